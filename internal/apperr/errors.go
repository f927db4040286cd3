// Package apperr holds the error kinds shared across the engine packages.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict is returned once a store gives up retrying a
	// contended write.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrDuplicateEvent marks an inbound event that was already processed.
	ErrDuplicateEvent = errors.New("duplicate event")
	// ErrUnmatchedEvent marks an inbound event with no matching message.
	ErrUnmatchedEvent = errors.New("unmatched event")
	// ErrNotFound is returned by lookups that found nothing.
	ErrNotFound = errors.New("not found")
)

// ValidationError reports malformed input rejected before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
