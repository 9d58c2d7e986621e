package lims

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
)

var errTaskNotDone = errors.New("lims: task not done")

// WaitForTask polls a task until it succeeds, fails, or maxAttempts polls
// have been made. The delay after poll n (starting at 0) is
// baseDelay * 2^n. A FAILED task is returned as *TaskFailedError right away;
// running out of polls returns *TaskTimeoutError. When ctx's deadline comes
// before the polls run out, the error is context.DeadlineExceeded.
func (c *Client) WaitForTask(ctx context.Context, taskID string, maxAttempts int, baseDelay time.Duration) (*Task, error) {
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if maxAttempts > 1 {
		policy = backoff.WithMaxRetries(&backoff.ExponentialBackOff{
			InitialInterval:     baseDelay,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         time.Duration(math.MaxInt64),
			Clock:               backoff.SystemClock,
		}, uint64(maxAttempts-1))
	}

	var last *Task
	polls := 0
	err := backoff.Retry(func() error {
		polls++
		t, err := c.PollTask(ctx, taskID)
		if err != nil {
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		last = t

		switch t.Status {
		case TaskStatusSucceeded:
			return nil
		case TaskStatusFailed:
			return backoff.Permanent(&TaskFailedError{TaskID: taskID, Payload: t.Error})
		default:
			return errTaskNotDone
		}
	}, backoff.WithContext(policy, ctx))
	if err == nil {
		return last, nil
	}
	if ctx.Err() != nil {
		return nil, errors.WithStack(ctx.Err())
	}
	if errors.Is(err, errTaskNotDone) {
		// The context's backoff stops early once the next delay would run
		// past the deadline.
		if _, ok := ctx.Deadline(); ok && polls < maxAttempts {
			return nil, errors.WithStack(context.DeadlineExceeded)
		}
		status := TaskStatusPending
		if last != nil {
			status = last.Status
		}
		return nil, &TaskTimeoutError{TaskID: taskID, Attempts: polls, LastStatus: status}
	}
	return nil, err
}
