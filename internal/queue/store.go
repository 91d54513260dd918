package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/coordq/internal/storeerr"
)

// ActiveLookup finds an active task by idempotency token. RequestID wins
// over DedupeKey when both are set.
type ActiveLookup struct {
	Room      string
	Task      string
	RequestID string
	DedupeKey string
}

// CancelFilter selects tasks to cancel. Empty fields do not filter.
// OverlapKeys matches tasks sharing at least one resource key.
type CancelFilter struct {
	ID          string
	Room        string
	RequestID   string
	Statuses    []Status
	OverlapKeys []string
	TaskNames   []string
	ExcludeID   string
}

// ClaimQuery is the store-level form of a queued-lane claim.
type ClaimQuery struct {
	Limit          int
	ResourceLocks  []string
	ExcludeKeys    []string
	Now            time.Time
	LeaseToken     string
	LeaseExpiresAt time.Time
}

// DirectQuery lists direct-lane candidates for a runtime scope.
type DirectQuery struct {
	ScopeKey    string
	ExcludeKeys []string
	Now         time.Time
	Limit       int
}

// FailUpdate is the store-level form of Fail. Attempt is incremented in the
// same guarded statement.
type FailUpdate struct {
	ID         string
	LeaseToken string
	Error      string
	RetryAt    *time.Time
	KeepStatus bool
	Now        time.Time
}

// RequeueUpdate is the store-level form of Requeue.
type RequeueUpdate struct {
	ID           string
	LeaseToken   string
	RunAt        *time.Time
	Error        *string
	Params       map[string]any
	ResourceKeys []string
	Now          time.Time
}

// Store is the backing store contract. Every method guarded by a lease token
// is a single conditional update and reports false when no row matched.
type Store interface {
	Insert(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	FindActive(ctx context.Context, lookup ActiveLookup) (*Task, error)
	FindLatestByRequest(ctx context.Context, room, task, requestID string) (*Task, error)
	CountActive(ctx context.Context, room string) (int, error)
	ListActive(ctx context.Context, room string) ([]Task, error)

	ClaimQueued(ctx context.Context, q ClaimQuery) ([]Task, error)
	ListDirectCandidates(ctx context.Context, q DirectQuery) ([]Task, error)
	AcquireDirect(ctx context.Context, id, leaseToken string, expiresAt, now time.Time) (bool, error)

	Complete(ctx context.Context, id, leaseToken string, result json.RawMessage, now time.Time) (bool, error)
	Fail(ctx context.Context, u FailUpdate) (bool, error)
	Requeue(ctx context.Context, u RequeueUpdate) (bool, error)
	ExtendLease(ctx context.Context, id, leaseToken string, expiresAt, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, id, leaseToken string, now time.Time) (bool, error)

	CancelTasks(ctx context.Context, f CancelFilter, now time.Time) ([]Task, error)
	SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error)

	Classify(err error) storeerr.Classification
}
