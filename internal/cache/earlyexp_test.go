package cache

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEarlyExpiration_ProbabilityBounds(t *testing.T) {
	t.Parallel()

	e := NewEarlyExpiration(DefaultEarlyExpirationConfig(), nil)
	ttl := time.Hour

	tests := []struct {
		name      string
		remaining time.Duration
		want      float64
	}{
		{"fresh entry", ttl, 0},
		{"outside window", 30 * time.Minute, 0},
		{"window edge", 12 * time.Minute, 0},
		{"expired", 0, 1},
		{"past expiry", -time.Minute, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, e.Probability(tt.remaining, ttl), 1e-9)
		})
	}

	assert.Zero(t, e.Probability(time.Second, 0), "zero TTL never refreshes early")
}

func TestEarlyExpiration_ProbabilityIsMonotonic(t *testing.T) {
	t.Parallel()

	for _, beta := range []float64{0.5, 1, 2, 5} {
		e := NewEarlyExpiration(EarlyExpirationConfig{Beta: beta, Threshold: 0.2}, nil)
		ttl := time.Hour

		prev := -1.0
		for remaining := 12 * time.Minute; remaining >= 0; remaining -= 10 * time.Second {
			p := e.Probability(remaining, ttl)
			assert.GreaterOrEqual(t, p, prev, "beta=%v remaining=%v", beta, remaining)
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 1.0)
			prev = p
		}
		assert.Equal(t, 1.0, prev)
	}
}

func TestEarlyExpiration_EmpiricalFrequencyIncreases(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))
	e := NewEarlyExpiration(DefaultEarlyExpirationConfig(), rng.Float64)

	ttl := time.Hour
	cachedAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	const trials = 4000

	fractions := []float64{0.5, 0.15, 0.1, 0.05, 0.01, 0}
	prev := -1.0
	for _, frac := range fractions {
		now := cachedAt.Add(ttl - time.Duration(frac*float64(ttl)))
		fired := 0
		for i := 0; i < trials; i++ {
			if e.ShouldRefresh(cachedAt, ttl, now) {
				fired++
			}
		}
		freq := float64(fired) / trials
		assert.GreaterOrEqual(t, freq, prev, "remaining fraction %v", frac)
		prev = freq
	}
	assert.Equal(t, 1.0, prev, "every read at expiry is an early fetch")
}

func TestEarlyExpiration_InvalidConfigFallsBack(t *testing.T) {
	t.Parallel()

	e := NewEarlyExpiration(EarlyExpirationConfig{Beta: -1, Threshold: 3}, nil)
	assert.Equal(t, 1.0, e.beta)
	assert.Equal(t, 0.2, e.threshold)
}
