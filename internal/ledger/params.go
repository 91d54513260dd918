package ledger

import (
	"context"
	"fmt"
	"strings"
)

var (
	traceIDKeys   = []string{"trace_id", "traceId"}
	requestIDKeys = []string{"request_id", "requestId"}
	intentIDKeys  = []string{"intent_id", "intentId"}
)

// CorrelationIDs are the ids that tie lifecycle stages to one request.
type CorrelationIDs struct {
	TraceID   string
	RequestID string
	IntentID  string
}

// CorrelationFromParams reads correlation ids from task params, falling back
// to a nested "metadata" object.
func CorrelationFromParams(params map[string]any) CorrelationIDs {
	return CorrelationIDs{
		TraceID:   ParamString(params, traceIDKeys...),
		RequestID: ParamString(params, requestIDKeys...),
		IntentID:  ParamString(params, intentIDKeys...),
	}
}

// ParamString returns the first non-empty string among keys at the top level
// of params, then inside params["metadata"].
func ParamString(params map[string]any, keys ...string) string {
	if v := firstString(params, keys); v != "" {
		return v
	}
	if meta, ok := params["metadata"].(map[string]any); ok {
		return firstString(meta, keys)
	}
	return ""
}

func firstString(m map[string]any, keys []string) string {
	for _, key := range keys {
		switch v := m[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case fmt.Stringer:
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// RecordTaskTraceFromParams records stage for task, filling any correlation
// ids ev leaves empty from the task's params.
func (r *Recorder) RecordTaskTraceFromParams(ctx context.Context, stage Stage, task TaskRef, params map[string]any, ev Event) {
	if r == nil {
		return
	}
	ids := CorrelationFromParams(params)
	ev.Stage = stage
	if ev.TaskID == "" {
		ev.TaskID = task.ID
	}
	if ev.Room == "" {
		ev.Room = task.Room
	}
	if ev.Task == "" {
		ev.Task = task.Task
	}
	if ev.Status == "" {
		ev.Status = task.Status
	}
	if ev.Attempt == 0 {
		ev.Attempt = task.Attempt
	}
	if ev.TraceID == "" {
		ev.TraceID = ids.TraceID
	}
	if ev.RequestID == "" {
		ev.RequestID = ids.RequestID
	}
	if ev.IntentID == "" {
		ev.IntentID = ids.IntentID
	}
	r.Record(ctx, ev)
}
