package lims

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when the LIMS answers 404 for an entity. It is a
// recoverable result, so callers check for it with errors.Is.
var ErrNotFound = errors.New("lims: entity not found")

// TransportError is a network failure or a 5xx/429 answer. It's retryable.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lims %s: transport error: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("lims %s: server returned %d: %s", e.Op, e.StatusCode, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ValidationError is any other 4xx answer. The request itself is wrong, so
// sending it again won't help.
type ValidationError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lims %s: rejected with %d: %s", e.Op, e.StatusCode, e.Message)
}

// TaskFailedError means the LIMS reported an asynchronous task as FAILED.
// Payload carries the server's failure description.
type TaskFailedError struct {
	TaskID  string
	Payload string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("lims task %s failed: %s", e.TaskID, e.Payload)
}

// TaskTimeoutError means a task didn't finish within the polling budget. The
// work can be retried by starting a fresh task.
type TaskTimeoutError struct {
	TaskID     string
	Attempts   int
	LastStatus string
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("lims task %s still %s after %d polls", e.TaskID, e.LastStatus, e.Attempts)
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var tt *TaskTimeoutError
	return errors.As(err, &tt)
}
