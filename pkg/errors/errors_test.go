package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", NewValidation("bad input"), KindValidation},
		{"not found", NewNotFound("missing"), KindNotFound},
		{"conflict", NewConflict("stale", nil), KindConflict},
		{"timeout", NewTimeout("deadline", nil), KindTimeout},
		{"unavailable", NewUnavailable("open"), KindUnavailable},
		{"connection", NewConnection("refused", nil), KindConnection},
		{"store", NewStore("boom", nil), KindStore},
		{"unclassified defaults to store", stderrors.New("raw"), KindStore},
		{"wrapped in fmt chain", fmt.Errorf("outer: %w", NewNotFound("missing")), KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapPreservesKindAndTransience(t *testing.T) {
	cause := stderrors.New("throttled")
	err := NewTransientStore("write rejected", cause)

	wrapped := Wrap(err, "saving user 42")
	require.Error(t, wrapped)

	assert.Equal(t, KindStore, KindOf(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "saving user 42")
	assert.Contains(t, wrapped.Error(), "write rejected")
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"conflict", NewConflict("stale cas", nil), true},
		{"timeout", NewTimeout("deadline", nil), true},
		{"connection", NewConnection("refused", nil), true},
		{"transient store", NewTransientStore("throttled", nil), true},
		{"permanent store", NewStore("access denied", nil), false},
		{"validation", NewValidation("bad"), false},
		{"not found", NewNotFound("missing"), false},
		{"circuit open", NewUnavailable("open"), false},
		{"plain error", stderrors.New("raw"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, IsValidation(NewValidation("x")))
	assert.True(t, IsNotFound(NewNotFound("x")))
	assert.True(t, IsConflict(NewConflict("x", nil)))
	assert.True(t, IsTimeout(NewTimeout("x", nil)))
	assert.True(t, IsUnavailable(NewUnavailable("x")))
	assert.True(t, IsConnection(NewConnection("x", nil)))
	assert.True(t, IsStore(NewStore("x", nil)))

	assert.False(t, IsConflict(NewNotFound("x")))
	assert.False(t, IsNotFound(nil))
}

func TestErrorFormatting(t *testing.T) {
	bare := NewValidation("field required")
	assert.Equal(t, "VALIDATION: field required", bare.Error())

	caused := NewStore("query failed", stderrors.New("socket closed"))
	assert.Equal(t, "STORE: query failed: socket closed", caused.Error())
}
