// Package errs defines the error kinds surfaced by the prediction engine.
// Compare with errors.Is against the sentinels, or errors.As against the
// typed errors when the caller needs the detail.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned when input is rejected before any state is
	// mutated (bad investment size, non-monotonic target/stop-loss, missing price).
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned for unknown advisors, predictions and orders.
	ErrNotFound = errors.New("not found")

	// ErrStaleEvent marks a duplicate or replayed broker event. Callers drop
	// these silently.
	ErrStaleEvent = errors.New("stale event")

	// ErrRejectedEvent marks a broker event that is malformed for processing
	// (zero quantity, warning text attached).
	ErrRejectedEvent = errors.New("rejected event")

	// ErrExternalTimeout is returned when a price or gateway call exceeds its
	// deadline and no fallback produced a value.
	ErrExternalTimeout = errors.New("external call timed out")

	// ErrAlreadyClosed is returned when a closing transition is attempted on a
	// prediction that already has a terminal outcome.
	ErrAlreadyClosed = errors.New("prediction already closed")

	// ErrAlreadyApplied is returned when a ledger transaction key was already
	// applied to an account.
	ErrAlreadyApplied = errors.New("ledger transaction already applied")

	// ErrMarketClosed is returned when an action requires an open venue.
	ErrMarketClosed = errors.New("market is closed")

	// ErrLocked is returned when a run or drain lock is held elsewhere.
	ErrLocked = errors.New("lock held by another worker")

	// ErrConflict is returned when a prediction changed since it was read.
	ErrConflict = errors.New("prediction modified concurrently")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Message: message}
}

// NotFoundError names the kind and id of a missing record.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound creates a NotFoundError.
func NotFound(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

// StaleEventError identifies the dedup key that matched a previous event.
type StaleEventError struct {
	Kind string
	Key  string
}

func (e *StaleEventError) Error() string {
	return fmt.Sprintf("stale %s event: %s", e.Kind, e.Key)
}

func (e *StaleEventError) Is(target error) bool { return target == ErrStaleEvent }

// Stale creates a StaleEventError.
func Stale(kind, key string) *StaleEventError {
	return &StaleEventError{Kind: kind, Key: key}
}

// ExternalTimeoutError wraps a failed call to a price source or gateway.
type ExternalTimeoutError struct {
	Source string
	Op     string
	Err    error
}

func (e *ExternalTimeoutError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s timed out: %v", e.Source, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s timed out", e.Source, e.Op)
}

func (e *ExternalTimeoutError) Unwrap() error { return e.Err }

func (e *ExternalTimeoutError) Is(target error) bool { return target == ErrExternalTimeout }

// Timeout creates an ExternalTimeoutError.
func Timeout(source, op string, err error) *ExternalTimeoutError {
	return &ExternalTimeoutError{Source: source, Op: op, Err: err}
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsStale reports whether err marks a duplicate event.
func IsStale(err error) bool { return errors.Is(err, ErrStaleEvent) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsTimeout reports whether err is an external timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrExternalTimeout) }

// IsConflict returns true when a prediction write lost to a concurrent
// change of the same prediction.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrAlreadyClosed)
}

// IsDroppable returns true for errors that end processing of a broker event
// without being a failure: stale, rejected, or referencing unknown records.
func IsDroppable(err error) bool {
	return errors.Is(err, ErrStaleEvent) ||
		errors.Is(err, ErrRejectedEvent) ||
		errors.Is(err, ErrNotFound)
}
