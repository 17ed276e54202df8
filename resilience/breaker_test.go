package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "docstore/pkg/errors"
)

func testBreaker(threshold uint32, openTimeout time.Duration) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		OpenTimeout:      openTimeout,
	}, nil)
}

func trip(t *testing.T, b *Breaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		_ = b.Execute(func() error { return errors.New("store down") })
	}
}

func TestBreakerStaysClosedUnderThreshold(t *testing.T) {
	b := testBreaker(3, time.Minute)

	trip(t, b, 2)
	assert.Equal(t, "closed", b.State())

	// A success resets the consecutive-failure count.
	require.NoError(t, b.Execute(func() error { return nil }))
	trip(t, b, 2)
	assert.Equal(t, "closed", b.State())
}

func TestBreakerOpensAtThresholdAndFastFails(t *testing.T) {
	b := testBreaker(3, time.Minute)

	trip(t, b, 3)
	assert.Equal(t, "open", b.State())

	invoked := false
	err := b.Execute(func() error {
		invoked = true
		return nil
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsUnavailable(err))
	assert.False(t, invoked, "wrapped function must not run while open")
}

func TestBreakerHalfOpenTrialCloses(t *testing.T) {
	b := testBreaker(2, 30*time.Millisecond)

	trip(t, b, 2)
	require.Equal(t, "open", b.State())

	time.Sleep(50 * time.Millisecond)

	require.NoError(t, b.Execute(func() error { return nil }))
	assert.Equal(t, "closed", b.State())

	stats := b.Stats()
	assert.Zero(t, stats.Failures, "counters reset when the circuit closes")
}

func TestBreakerHalfOpenTrialFailureReopens(t *testing.T) {
	b := testBreaker(2, 30*time.Millisecond)

	trip(t, b, 2)
	time.Sleep(50 * time.Millisecond)

	_ = b.Execute(func() error { return errors.New("still down") })
	assert.Equal(t, "open", b.State())
}

func TestBreakerIgnoresBusinessOutcomes(t *testing.T) {
	b := testBreaker(2, time.Minute)

	outcomes := []error{
		apperrors.NewValidation("bad input"),
		apperrors.NewNotFound("missing"),
		apperrors.NewConflict("stale cas", nil),
	}
	for i := 0; i < 3; i++ {
		for _, outcome := range outcomes {
			err := b.Execute(func() error { return outcome })
			require.Error(t, err)
		}
	}

	assert.Equal(t, "closed", b.State())
}

func TestBreakerPropagatesErrorUnchanged(t *testing.T) {
	b := testBreaker(5, time.Minute)

	want := apperrors.NewStore("boom", nil)
	got := b.Execute(func() error { return want })
	assert.Equal(t, want, got)
}
