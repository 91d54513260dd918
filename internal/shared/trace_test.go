package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx = WithTraceID(ctx, "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-' for empty trace id, got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || TaskID(ctx) != "" || WorkerID(ctx) != "" {
		t.Fatalf("expected empty ids on bare context")
	}
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithWorkerID(ctx, "worker-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("request id: %q", got)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("task id: %q", got)
	}
	if got := WorkerID(ctx); got != "worker-1" {
		t.Fatalf("worker id: %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatalf("expected distinct trace ids")
	}
}
