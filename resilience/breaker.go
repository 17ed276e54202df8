// Package resilience provides the failure-handling primitives that guard
// every call to the backing store: a circuit breaker and an exponential
// backoff retry policy. The composition contract is breaker outside, retry
// inside: breaker.Execute(func() error { return Retry(...) }), so an open
// circuit fast-fails before any backoff time is spent.
package resilience

import (
	stderrors "errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "docstore/pkg/errors"
)

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// Name identifies the breaker in logs and stats.
	Name string
	// FailureThreshold is the number of consecutive failures that opens the
	// circuit.
	FailureThreshold uint32
	// OpenTimeout is how long the circuit stays open before a single trial
	// call is permitted (half-open).
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns the defaults used for store access.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// BreakerStats is the health-reporting snapshot of a breaker.
type BreakerStats struct {
	State     string `json:"state"`
	Failures  uint32 `json:"failures"`
	Successes uint32 `json:"successes"`
}

// Breaker wraps a function call and trips after consecutive failures.
//
// States:
//   - Closed: calls pass through, failures are counted
//   - Open: calls fast-fail with a circuit-open error, the wrapped function
//     is never invoked
//   - Half-open: after OpenTimeout a single trial call is permitted; success
//     closes the circuit and zeroes the counters, failure reopens it and
//     restarts the timeout
//
// The breaker never retries. It only gates calls and records outcomes.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreaker creates a circuit breaker with the given thresholds.
func NewBreaker(cfg BreakerConfig, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named(cfg.Name)

	settings := gobreaker.Settings{
		Name: cfg.Name,
		// Exactly one trial call in half-open.
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// Business outcomes are not dependency failures: a validation
		// error, a missing document or a CAS conflict says nothing about
		// store health and must not trip the circuit.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch apperrors.KindOf(err) {
			case apperrors.KindValidation, apperrors.KindNotFound, apperrors.KindConflict:
				return true
			}
			return false
		},
	}

	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), logger: logger}
}

// Execute runs fn under the breaker. While the circuit is open it returns a
// circuit-open error without invoking fn; otherwise fn's error is recorded
// and propagated unchanged.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewUnavailable("circuit breaker is open, call rejected")
	}
	return err
}

// State returns the current breaker state as a string.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// Stats returns the current state and counters for health reporting.
func (b *Breaker) Stats() BreakerStats {
	counts := b.cb.Counts()
	return BreakerStats{
		State:     b.cb.State().String(),
		Failures:  counts.TotalFailures,
		Successes: counts.TotalSuccesses,
	}
}
