package domain

import (
	"errors"
	"fmt"
)

// ErrTransient marks a failure of the surrounding infrastructure rather than
// of the task itself. Handlers wrap it to request a retry instead of a failure.
var ErrTransient = errors.New("transient failure")

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID int64
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %d", e.TaskID)
}

// HandlerNotFoundError is returned when no handler is registered for a
// namespace/function pair.
type HandlerNotFoundError struct {
	Namespace    string
	FunctionName string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for %s.%s", e.Namespace, e.FunctionName)
}

// InvalidStateError is returned when a transition is attempted from a state
// that does not allow it, usually because another manager moved the row first.
type InvalidStateError struct {
	TaskID int64
	State  State
	Want   []State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("task %d is %s, expected one of %v", e.TaskID, e.State, e.Want)
}

// RateLimitExceededError is returned when a key exceeds its rate limit.
type RateLimitExceededError struct {
	Key   string
	Limit int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %q: limit is %d", e.Key, e.Limit)
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
