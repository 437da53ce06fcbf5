package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no task or schedule has the given id.
	ErrNotFound = errors.New("not found")

	// ErrNotPending is returned by cancel when the task has already
	// started, finished, or was cancelled before. Cancellation is only
	// guaranteed while a task is still pending.
	ErrNotPending = errors.New("task is not pending")
)

// ValidationError rejects a malformed submission before it reaches the
// store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a storage failure. At startup it is fatal;
// corrupt persisted state must never be silently discarded.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
