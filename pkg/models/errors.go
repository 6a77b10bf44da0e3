package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the engine.
var (
	// ErrNotFound indicates an unknown project, agent or event.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a duplicate registration with incompatible delivery.
	ErrConflict = errors.New("conflicting registration")
	// ErrCancelled indicates the caller's deadline or cancellation fired.
	ErrCancelled = errors.New("operation cancelled")
	// ErrUnavailable indicates the engine is refusing the operation in a
	// degraded or unavailable mode.
	ErrUnavailable = errors.New("service unavailable")
)

// ValidationError is malformed input. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TransientError wraps a momentary backend failure. Callers may retry
// after RetryAfter; the degradation controller records each occurrence.
type TransientError struct {
	Cause      error
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient backend error (retry after %s): %v", e.RetryAfter, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// NewTransientError wraps err with a retry hint.
func NewTransientError(err error, retryAfter time.Duration) error {
	return &TransientError{Cause: err, RetryAfter: retryAfter}
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// PermanentBackendError is a schema or corruption class failure. Not retried.
type PermanentBackendError struct {
	Cause error
}

func (e *PermanentBackendError) Error() string {
	return fmt.Sprintf("permanent backend error: %v", e.Cause)
}

func (e *PermanentBackendError) Unwrap() error { return e.Cause }

// DeliveryFailure records an exhausted webhook retry budget. It is never
// surfaced to publishers; publishing is decoupled from delivery.
type DeliveryFailure struct {
	AgentID string
	URL     string
	Cause   error
}

func (e *DeliveryFailure) Error() string {
	return fmt.Sprintf("delivery to agent %s (%s) failed: %v", e.AgentID, e.URL, e.Cause)
}

func (e *DeliveryFailure) Unwrap() error { return e.Cause }
