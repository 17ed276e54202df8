// Package errors defines the closed error taxonomy shared by every layer of
// the data-access core. Errors carry a kind tag instead of relying on concrete
// type identity, so callers dispatch with the Is* helpers or errors.As.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind categorizes an error for dispatch and user-visible mapping.
type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CAS_CONFLICT"
	KindTimeout     Kind = "TIMEOUT"
	KindUnavailable Kind = "CIRCUIT_OPEN"
	KindConnection  Kind = "CONNECTION"
	KindStore       Kind = "STORE"
)

// AppError is the error type used throughout the module.
type AppError struct {
	Kind    Kind
	Message string
	Err     error

	// Transient marks store faults that are safe to retry (throttling,
	// transient server errors). Timeout/Connection/Conflict kinds are
	// implicitly retryable and do not need the flag.
	Transient bool
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is and errors.As to traverse the cause chain.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for each kind.

func NewValidation(message string) error {
	return &AppError{Kind: KindValidation, Message: message}
}

func NewNotFound(message string) error {
	return &AppError{Kind: KindNotFound, Message: message}
}

func NewConflict(message string, err error) error {
	return &AppError{Kind: KindConflict, Message: message, Err: err}
}

func NewTimeout(message string, err error) error {
	return &AppError{Kind: KindTimeout, Message: message, Err: err}
}

func NewUnavailable(message string) error {
	return &AppError{Kind: KindUnavailable, Message: message}
}

func NewConnection(message string, err error) error {
	return &AppError{Kind: KindConnection, Message: message, Err: err}
}

func NewStore(message string, err error) error {
	return &AppError{Kind: KindStore, Message: message, Err: err}
}

// NewTransientStore creates a store error flagged as safe to retry.
func NewTransientStore(message string, err error) error {
	return &AppError{Kind: KindStore, Message: message, Err: err, Transient: true}
}

// Wrap adds context to an error. If the error is already an AppError its kind
// and transient flag are preserved so classification survives wrapping.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return &AppError{
			Kind:      appErr.Kind,
			Message:   fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:       appErr.Err,
			Transient: appErr.Transient,
		}
	}

	return &AppError{Kind: KindStore, Message: message, Err: err}
}

// KindOf reports the kind of err, or KindStore for unclassified errors.
func KindOf(err error) Kind {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindStore
}

// Kind checking helpers.

func is(err error, kind Kind) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Kind == kind
}

func IsValidation(err error) bool  { return is(err, KindValidation) }
func IsNotFound(err error) bool    { return is(err, KindNotFound) }
func IsConflict(err error) bool    { return is(err, KindConflict) }
func IsTimeout(err error) bool     { return is(err, KindTimeout) }
func IsUnavailable(err error) bool { return is(err, KindUnavailable) }
func IsConnection(err error) bool  { return is(err, KindConnection) }
func IsStore(err error) bool       { return is(err, KindStore) }

// IsRetryable reports whether a retry policy may re-attempt the operation.
// Conflicts, timeouts and connection faults are retryable; store faults only
// when flagged transient. Validation, not-found and circuit-open errors are
// never retried.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Kind {
	case KindConflict, KindTimeout, KindConnection:
		return true
	case KindStore:
		return appErr.Transient
	}
	return false
}
