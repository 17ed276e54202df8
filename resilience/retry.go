package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	apperrors "docstore/pkg/errors"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxAttempts int           // total attempts, including the first call
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap on the computed delay
	Jitter      float64       // fraction of the delay randomized to spread herds, 0 disables
}

// DefaultRetryConfig returns the default policy for transient store faults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

// Delay returns the backoff before attempt+1, where attempt is 1-based:
// min(BaseDelay * 2^(attempt-1), MaxDelay), optionally jittered.
func (c RetryConfig) Delay(attempt int) time.Duration {
	backoff := float64(c.BaseDelay) * math.Pow(2, float64(attempt-1))
	if c.Jitter > 0 {
		backoff += backoff * c.Jitter * (rand.Float64() - 0.5) * 2
	}
	delay := time.Duration(backoff)
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Operation is a unit of work that may be retried.
type Operation func() error

// Retry invokes op, sleeping between failed attempts with exponential
// backoff. Only errors classified retryable by the taxonomy are re-attempted
// (conflicts, timeouts, connection faults, transient store faults); anything
// else returns immediately. After exhausting the budget the last error is
// returned annotated with the attempt count, kind preserved.
func Retry(ctx context.Context, cfg RetryConfig, op Operation) error {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if !apperrors.IsRetryable(err) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return apperrors.Wrap(lastErr, fmt.Sprintf("operation failed after %d attempts", cfg.MaxAttempts))
}
