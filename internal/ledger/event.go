// Package ledger writes the append-only task trace log. Writes are
// best-effort: failures are logged and never returned to the caller, and
// inserts degrade across schema versions that lack optional columns.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/basket/coordq/internal/storeerr"
)

// Stage is a point in a task's lifecycle.
type Stage string

const (
	StageQueued         Stage = "queued"
	StageDirectRunning  Stage = "direct_running"
	StageDeduped        Stage = "deduped"
	StageClaimed        Stage = "claimed"
	StageCompleted      Stage = "completed"
	StageFailed         Stage = "failed"
	StageRetryScheduled Stage = "retry_scheduled"
	StageRequeued       Stage = "requeued"
	StageCanceled       Stage = "canceled"
	StageSuperseded     Stage = "superseded"
	StageLeaseReleased  Stage = "lease_released"
)

// Experiment is optional assignment metadata stored in the event payload.
type Experiment struct {
	Key      string         `json:"key"`
	Variant  string         `json:"variant"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Event is one trace record. Empty correlation ids are stored as null.
type Event struct {
	Stage     Stage
	Status    string
	TraceID   string
	RequestID string
	IntentID  string
	TaskID    string
	Room      string
	Task      string
	Attempt   int
	LatencyMs *int64

	Provider       string
	Model          string
	ProviderSource string
	ModelSource    string

	Payload    map[string]any
	Experiment *Experiment
	CreatedAt  time.Time
}

// TaskRef identifies the task an event belongs to.
type TaskRef struct {
	ID      string
	Room    string
	Task    string
	Status  string
	Attempt int
}

// Column is one named value in an insert row.
type Column struct {
	Name  string
	Value any
}

// Writer inserts trace rows. Column names come from a fixed set; writers
// must reject anything else.
type Writer interface {
	InsertTraceEvent(ctx context.Context, row []Column) error
	storeerr.Classifier
}

// Trace columns. The optional ones may be absent in older schemas.
const (
	ColID             = "id"
	ColStage          = "stage"
	ColStatus         = "status"
	ColTraceID        = "trace_id"
	ColRequestID      = "request_id"
	ColIntentID       = "intent_id"
	ColTaskID         = "task_id"
	ColRoom           = "room"
	ColTask           = "task"
	ColAttempt        = "attempt"
	ColLatencyMs      = "latency_ms"
	ColPayload        = "payload"
	ColCreatedAt      = "created_at"
	ColSampled        = "sampled"
	ColProvider       = "provider"
	ColModel          = "model"
	ColProviderSource = "provider_source"
	ColModelSource    = "model_source"
)

// RequiredColumns are always written.
var RequiredColumns = []string{
	ColID, ColStage, ColStatus, ColTraceID, ColRequestID, ColIntentID,
	ColTaskID, ColRoom, ColTask, ColAttempt, ColLatencyMs, ColPayload, ColCreatedAt,
}

// OptionalColumns are dropped from inserts once the store reports them missing.
var OptionalColumns = []string{
	ColSampled, ColProvider, ColModel, ColProviderSource, ColModelSource,
}

// IsOptionalColumn reports whether name is one of OptionalColumns.
func IsOptionalColumn(name string) bool {
	for _, c := range OptionalColumns {
		if c == name {
			return true
		}
	}
	return false
}

// KnownColumn reports whether name is a valid trace column.
func KnownColumn(name string) bool {
	if IsOptionalColumn(name) {
		return true
	}
	for _, c := range RequiredColumns {
		if c == name {
			return true
		}
	}
	return false
}

// Record is a trace row as read back from the store.
type Record struct {
	ID             string          `json:"id"`
	Stage          Stage           `json:"stage"`
	Status         string          `json:"status,omitempty"`
	TraceID        string          `json:"trace_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	IntentID       string          `json:"intent_id,omitempty"`
	TaskID         string          `json:"task_id,omitempty"`
	Room           string          `json:"room,omitempty"`
	Task           string          `json:"task,omitempty"`
	Attempt        int             `json:"attempt"`
	LatencyMs      *int64          `json:"latency_ms,omitempty"`
	Sampled        *bool           `json:"sampled,omitempty"`
	Provider       string          `json:"provider,omitempty"`
	Model          string          `json:"model,omitempty"`
	ProviderSource string          `json:"provider_source,omitempty"`
	ModelSource    string          `json:"model_source,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Query filters ListTraceEvents. At least one of TaskID, TraceID or
// RequestID should be set; Limit <= 0 means a store default.
type Query struct {
	TaskID    string
	TraceID   string
	RequestID string
	Limit     int
}

// Reader lists trace rows oldest first.
type Reader interface {
	ListTraceEvents(ctx context.Context, q Query) ([]Record, error)
}
