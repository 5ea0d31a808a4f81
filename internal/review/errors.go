package review

import (
	"errors"
	"fmt"

	"github.com/wolfman30/shadow-review/internal/generation"
)

var (
	// ErrNotFound is returned when the referenced item does not exist.
	ErrNotFound = errors.New("review: item not found")

	// ErrConflict is returned when the item's status no longer matches the expected source status.
	ErrConflict = errors.New("review: status conflict")

	// ErrAlreadyExists is returned by Create when the id is taken.
	ErrAlreadyExists = errors.New("review: item already exists")
)

// ConflictError carries the status the item actually has. InFlight marks a
// conflict caused by another running generation for the same item.
type ConflictError struct {
	Expected Status
	Current  Status
	InFlight bool
}

func (e *ConflictError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("review: generation already in progress (status %s)", e.Current)
	}
	return fmt.Sprintf("review: status conflict: expected %s, current %s", e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	if target == ErrConflict {
		return true
	}
	return e.InFlight && target == generation.ErrInFlight
}

// ValidationError reports a missing or invalid request field. No state changes.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("review: invalid %s: %s", e.Field, e.Message)
}

func conflict(expected, current Status) error {
	return &ConflictError{Expected: expected, Current: current}
}
