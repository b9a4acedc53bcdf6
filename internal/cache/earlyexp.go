package cache

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// EarlyExpirationConfig tunes probabilistic early refresh.
type EarlyExpirationConfig struct {
	// Beta sharpens the curve; larger values keep the probability low until
	// closer to expiry.
	Beta float64 `yaml:"beta"`

	// Threshold is the fraction of the TTL, counted back from expiry, inside
	// which early refresh is considered at all.
	Threshold float64 `yaml:"threshold"`
}

// DefaultEarlyExpirationConfig returns beta 1.0 and threshold 0.2.
func DefaultEarlyExpirationConfig() EarlyExpirationConfig {
	return EarlyExpirationConfig{Beta: 1.0, Threshold: 0.2}
}

// EarlyExpiration decides whether a read of a still-valid entry should also
// trigger a background refresh. Inside the window the refresh probability is
//
//	p(r) = (exp(-beta*r/w) - exp(-beta)) / (1 - exp(-beta))
//
// where r is the remaining lifetime and w = threshold*ttl. p is 0 at the
// window edge, rises monotonically as r shrinks and reaches 1 at expiry.
type EarlyExpiration struct {
	beta      float64
	threshold float64

	mu    sync.Mutex
	float func() float64
}

// NewEarlyExpiration builds a decider. A nil source uses a time-seeded
// math/rand generator.
func NewEarlyExpiration(config EarlyExpirationConfig, source func() float64) *EarlyExpiration {
	if config.Beta <= 0 {
		config.Beta = 1.0
	}
	if config.Threshold <= 0 || config.Threshold > 1 {
		config.Threshold = 0.2
	}
	if source == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		source = rng.Float64
	}
	return &EarlyExpiration{
		beta:      config.Beta,
		threshold: config.Threshold,
		float:     source,
	}
}

// Probability returns the refresh probability for an entry with the given
// remaining lifetime out of ttl.
func (e *EarlyExpiration) Probability(remaining, ttl time.Duration) float64 {
	if ttl <= 0 {
		return 0
	}
	if remaining <= 0 {
		return 1
	}

	window := e.threshold * float64(ttl)
	r := float64(remaining)
	if r >= window {
		return 0
	}

	floor := math.Exp(-e.beta)
	p := (math.Exp(-e.beta*r/window) - floor) / (1 - floor)
	return math.Min(1, math.Max(0, p))
}

// ShouldRefresh flips the weighted coin for an entry cached at cachedAt.
func (e *EarlyExpiration) ShouldRefresh(cachedAt time.Time, ttl time.Duration, now time.Time) bool {
	p := e.Probability(cachedAt.Add(ttl).Sub(now), ttl)
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}

	e.mu.Lock()
	roll := e.float()
	e.mu.Unlock()
	return roll < p
}
