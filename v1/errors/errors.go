// Package errors defines the error kinds shared by go-shelf packages.
//
// Callers branch on kinds with errors.Is. Lower layers wrap their faults with
// %w so the kind survives the trip to the service boundary.
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")

	// ErrValidation marks malformed input. Not retryable without new input.
	ErrValidation = errors.New("validation failed")
	// ErrLockNotAcquired is returned when a lock could not be obtained
	// within the wait time because someone else holds it.
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockUnavailable is returned when the lock backend itself failed.
	ErrLockUnavailable = errors.New("lock backend unavailable")
	// ErrAlreadyRegistered is returned when the book is already in the
	// user's library.
	ErrAlreadyRegistered = errors.New("book already registered")
	// ErrNotFound is returned when the referenced association does not exist
	// for the user.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when the stored row changed since it was
	// read. Re-read and reapply.
	ErrVersionConflict = errors.New("version conflict")
	// ErrCacheUnavailable is logged by cache wrappers and never returned to
	// service callers.
	ErrCacheUnavailable = errors.New("cache unavailable")
)

// ValidationError carries per-field messages. It matches ErrValidation.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

// Validation returns a ValidationError without field details.
func Validation(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ValidationFields returns a ValidationError with field details.
func ValidationFields(message string, fields map[string]string) *ValidationError {
	return &ValidationError{Message: message, Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+" "+e.Fields[k])
	}
	return e.Message + ": " + strings.Join(parts, ", ")
}

// Is reports ErrValidation as a match.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Retryable reports whether the same request may succeed later.
func Retryable(err error) bool {
	return errors.Is(err, ErrLockNotAcquired) ||
		errors.Is(err, ErrLockUnavailable) ||
		errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrTimeout)
}
