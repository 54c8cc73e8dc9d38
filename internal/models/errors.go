package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the action lifecycle. Callers match with errors.Is.
var (
	// ErrNotFound is returned for unknown ids and for actions owned by a
	// different user, so existence is never leaked across users.
	ErrNotFound = errors.New("action not found")

	// ErrInvalidState is returned when an operation is not permitted in the
	// action's current status (terminal states are terminal).
	ErrInvalidState = errors.New("operation not permitted in current status")
)

// ValidationError describes a malformed action spec. Validation failures are
// rejected before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid action spec: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
