// Package resilience wraps origin calls in a per-origin circuit breaker and a
// bounded retry loop with a per-attempt timeout.
package resilience

import (
	"context"
	stderr "errors"
	"log/slog"
	"time"

	"github.com/openpreprint/blobcache/internal/circuit"
	"github.com/openpreprint/blobcache/pkg/errors"
	"github.com/openpreprint/blobcache/pkg/retry"
)

// Config controls the origin resilience policy.
type Config struct {
	Retry          retry.Config   `yaml:"retry"`
	Breaker        circuit.Config `yaml:"circuit_breaker"`
	AttemptTimeout time.Duration  `yaml:"attempt_timeout"`
}

// DefaultConfig returns the policy used for PDS fetches.
func DefaultConfig() Config {
	return Config{
		Retry: retry.DefaultConfig(),
		Breaker: circuit.Config{
			MaxRequests:      1,
			Interval:         time.Minute,
			Timeout:          30 * time.Second,
			FailureThreshold: 5,
		},
		AttemptTimeout: 30 * time.Second,
	}
}

// Policy executes calls against named origins.
type Policy struct {
	breakers       *circuit.Manager
	retryer        *retry.Retryer
	attemptTimeout time.Duration
	logger         *slog.Logger
}

// New builds a policy. onStateChange, when non-nil, is chained after any
// callback already present in config.Breaker.
func New(config Config, logger *slog.Logger, onStateChange func(name string, from, to circuit.State)) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "resilience")

	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = 30 * time.Second
	}

	prev := config.Breaker.OnStateChange
	config.Breaker.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state change", "origin", name, "from", from.String(), "to", to.String())
		if prev != nil {
			prev(name, from, to)
		}
		if onStateChange != nil {
			onStateChange(name, from, to)
		}
	}

	prevRetry := config.Retry.OnRetry
	config.Retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying origin call", "attempt", attempt, "delay", delay, "error", err)
		if prevRetry != nil {
			prevRetry(attempt, err, delay)
		}
	}

	return &Policy{
		breakers:       circuit.NewManager(config.Breaker),
		retryer:        retry.New(config.Retry),
		attemptTimeout: config.AttemptTimeout,
		logger:         logger,
	}
}

// Execute runs fn against the origin identified by name. Each attempt passes
// through that origin's breaker and is bounded by the attempt timeout; a
// timed-out attempt is reported as OPERATION_TIMEOUT and counts as a breaker
// failure. When the breaker is open or the retry budget is spent the caller
// sees ORIGIN_UNAVAILABLE with the underlying error still reachable.
func (p *Policy) Execute(ctx context.Context, name string, fn func(context.Context) error) error {
	breaker := p.breakers.Breaker(name)

	err := p.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
			defer cancel()

			err := fn(attemptCtx)
			if err != nil && ctx.Err() == nil && stderr.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return errors.Wrap(err, errors.ErrCodeOperationTimeout, "origin attempt timed out").
					WithContext("origin", name).
					WithDetail("timeout", p.attemptTimeout.String())
			}
			return err
		})
	})
	if err == nil {
		return nil
	}

	switch errors.CodeOf(err) {
	case errors.ErrCodeCircuitOpen, errors.ErrCodeRetryExhausted, errors.ErrCodeOperationTimeout:
		return errors.Wrap(err, errors.ErrCodeOriginUnavailable, "origin unavailable").
			WithContext("origin", name)
	}
	return err
}

// Breakers exposes per-origin breaker state for stats and health checks.
func (p *Policy) Breakers() *circuit.Manager {
	return p.breakers
}
