package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Lookup errors
	ErrNotFound        = errors.New("not found")
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("user %w", ErrNotFound)
	ErrExpertNotFound  = fmt.Errorf("expert %w", ErrNotFound)

	// Business preconditions
	ErrInsufficientBalance = errors.New("insufficient balance for the minimum reserve")
	ErrExpertUnavailable   = errors.New("expert is not available")
	ErrExpertNotApproved   = errors.New("expert is not approved")
	ErrNothingToClaim      = errors.New("nothing to claim")
	ErrAlreadyRated        = errors.New("session already rated")
	ErrNotSettled          = errors.New("session has not settled")
	ErrNotConnected        = errors.New("session is not connected")

	// Party mismatch
	ErrUnauthorized = errors.New("party does not own this session")

	// Lost a compare-and-set race; the read-transition cycle may be retried.
	ErrConcurrencyConflict = errors.New("concurrent update conflict")

	// Input shape
	ErrValidation = errors.New("validation failed")

	// Infrastructure
	ErrLeaseHeld = errors.New("lease held by another instance")
)

// ValidationError describes a rejected input field. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError is returned for any state change outside the
// transition table.
type InvalidTransitionError struct {
	From SessionState
	To   SessionState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// IsInvalidTransition reports whether err is an *InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsRetryable reports whether the operation may succeed if repeated.
func IsRetryable(err error) bool { return errors.Is(err, ErrConcurrencyConflict) }
