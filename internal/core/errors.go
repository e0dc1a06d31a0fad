package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTaskExists is returned when a task ID is already taken.
	ErrTaskExists = errors.New("task already exists")
	// ErrTaskNotFound is returned for lookups and removals of unknown IDs.
	ErrTaskNotFound = errors.New("task not found")
)

// ValidationError reports a missing or malformed task field. Trigger parse
// failures (bad cron syntax, bad timestamp) are validation errors too.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
