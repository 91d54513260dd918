package queue

import (
	"errors"
	"fmt"

	"github.com/basket/coordq/internal/storeerr"
)

// QueueDepthLimitCode prefixes the backpressure error message.
const QueueDepthLimitCode = "QUEUE_DEPTH_LIMIT_REACHED"

var (
	// ErrQueueDepthLimit matches every BackpressureError via errors.Is.
	ErrQueueDepthLimit = errors.New("queue depth limit reached")
	// ErrTaskNotFound is returned by GetTask for an unknown id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidRequest matches every ValidationError via errors.Is.
	ErrInvalidRequest = errors.New("invalid enqueue request")
)

// ValidationError rejects malformed input before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidRequest
}

// BackpressureError is returned when a room is at its active-task limit.
// Nothing was persisted.
type BackpressureError struct {
	Room   string
	Active int
	Limit  int
}

func (e *BackpressureError) Error() string {
	return QueueDepthLimitCode + ":" + e.Room
}

func (e *BackpressureError) Is(target error) bool {
	return target == ErrQueueDepthLimit
}

// storeFailure prefixes a store error with op. Errors the store classifies as
// unavailable come back as *storeerr.UnavailableError.
func (c *Client) storeFailure(op string, err error) error {
	if c.store.Classify(err).Kind == storeerr.KindUnavailable {
		return &storeerr.UnavailableError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// passStoreError returns err unchanged unless the store is unavailable.
func (c *Client) passStoreError(op string, err error) error {
	if err != nil && c.store.Classify(err).Kind == storeerr.KindUnavailable {
		return &storeerr.UnavailableError{Op: op, Err: err}
	}
	return err
}
