package worker

import (
	"errors"
	"time"
)

// permanentError marks a handler failure that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the runner fails the task terminally.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RequeueError asks the runner to return the task to the queued lane instead
// of recording a failure. Attempt is not incremented.
type RequeueError struct {
	After  time.Duration
	Reason string
	// Params, when non-nil, replaces the task's params.
	Params map[string]any
}

func (e *RequeueError) Error() string {
	if e.Reason != "" {
		return "requeue: " + e.Reason
	}
	return "requeue"
}

// Requeue builds a RequeueError that delays the task by after.
func Requeue(after time.Duration, reason string) error {
	return &RequeueError{After: after, Reason: reason}
}
