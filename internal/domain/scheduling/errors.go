package scheduling

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound covers both unknown ids and tenant mismatches so callers
	// cannot discover other tenants' records.
	ErrNotFound          = errors.New("appointment not found")
	ErrConflict          = errors.New("time conflict detected")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDuplicateID       = errors.New("duplicate appointment id")
)

// ValidationError reports a malformed or missing input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransitionError wraps ErrInvalidTransition with the offending states.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
