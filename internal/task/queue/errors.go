package queue

import (
	"errors"
	"fmt"
)

var (
	ErrNilExecutable = errors.New("task executable is nil")
	ErrDuplicateID   = errors.New("task id already exists")

	// ErrTimeout marks an attempt that exceeded the task's execution budget.
	// It is treated like any other execution failure for retry purposes.
	ErrTimeout = errors.New("timeout exceeded")

	// errStopped is recorded on tasks that were in flight when the queue
	// shut down.
	errStopped = errors.New("task queue stopped")
)

// NoRetry marks an error as non-retryable.
//
// Task bodies can wrap validation errors or other permanent failures with
// NoRetry so the queue won't burn the retry budget on them.
//
// Example:
//
//	return nil, queue.NoRetry(fmt.Errorf("bad input: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
