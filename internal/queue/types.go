// Package queue is the task coordination core: enqueue with dedupe, coalescing
// and depth limits, lease-based claiming on two lanes, and lease-guarded
// completion, failure, requeue and cancellation.
package queue

import (
	"encoding/json"
	"slices"
	"time"
)

// Status is the persisted lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// ActiveStatuses are the statuses counted for dedupe and depth limits.
var ActiveStatuses = []Status{StatusQueued, StatusRunning}

// cancelableStatuses are the statuses cancel may move to canceled.
var cancelableStatuses = []Status{StatusQueued, StatusRunning, StatusFailed}

// Active reports whether the status is queued or running.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusRunning
}

// Terminal reports whether no further transition is expected.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// Lane selects the claim path a task is eligible for. Queued-lane tasks are
// picked by Claim; direct-lane tasks were inserted as running for a local
// runtime scope and are picked only by ClaimLocalScope.
type Lane string

const (
	LaneQueued Lane = "queued"
	LaneDirect Lane = "direct"
)

// Task is one persisted unit of work.
type Task struct {
	ID             string          `json:"id"`
	Room           string          `json:"room"`
	Task           string          `json:"task"`
	Params         map[string]any  `json:"params"`
	Status         Status          `json:"status"`
	Lane           Lane            `json:"lane"`
	Priority       int             `json:"priority"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
	Attempt        int             `json:"attempt"`
	Error          string          `json:"error,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	DedupeKey      string          `json:"dedupe_key,omitempty"`
	ResourceKeys   []string        `json:"resource_keys"`
	LeaseToken     string          `json:"lease_token,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// HasResourceKey reports whether key is among the task's resource keys.
func (t *Task) HasResourceKey(key string) bool {
	return slices.Contains(t.ResourceKeys, key)
}

// LeaseLive reports whether the task holds an unexpired lease at now.
func (t *Task) LeaseLive(now time.Time) bool {
	return t.LeaseToken != "" && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now)
}

// ClaimResult is returned by both claim paths. All tasks share LeaseToken.
type ClaimResult struct {
	LeaseToken string `json:"lease_token"`
	Tasks      []Task `json:"tasks"`
}

// EnqueueRequest describes a task submission. Only Room and Task are required.
type EnqueueRequest struct {
	Room           string
	Task           string
	Params         map[string]any
	RequestID      string
	DedupeKey      string
	IdempotencyKey string
	LockKey        string
	ResourceKeys   []string
	Priority       int
	RunAt          *time.Time
	// CoalesceByResource cancels overlapping queued work even when Task is not
	// in the configured coalescing set.
	CoalesceByResource bool
	// RuntimeScope overrides any scope embedded in Params.
	RuntimeScope string
}

// ClaimRequest polls the queued lane.
type ClaimRequest struct {
	Limit    int
	LeaseTTL time.Duration
	// ResourceLocks restricts the claim to tasks carrying at least one of
	// these keys.
	ResourceLocks []string
	// Host is the claimer's host; tasks fenced against it are skipped.
	// Empty uses the client's configured host.
	Host string
}

// LocalClaimRequest polls the direct lane for one runtime scope.
type LocalClaimRequest struct {
	Limit        int
	LeaseTTL     time.Duration
	RuntimeScope string
	Host         string
}

// FailRequest carries the failure outcome for a leased task.
type FailRequest struct {
	TaskID     string
	LeaseToken string
	Error      string
	// RetryAt re-arms the task instead of failing it terminally.
	RetryAt *time.Time
	// KeepInRunningLane keeps a re-armed task in running so it stays on
	// its current lane without passing through queued.
	KeepInRunningLane bool
}

// RequeueRequest returns a leased task to queued, optionally replacing its
// params and resource keys. Nil fields are left unchanged.
type RequeueRequest struct {
	TaskID       string
	LeaseToken   string
	RunAt        *time.Time
	Error        *string
	Params       map[string]any
	ResourceKeys []string
}
