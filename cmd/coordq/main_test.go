package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/coordq/internal/maintenance"
	"github.com/basket/coordq/internal/queue"
)

// capture swaps the package writers for buffers while fn runs.
func capture(t *testing.T, fn func() int) (int, string, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr := stdout, stderr
	stdout, stderr = &out, &errOut
	defer func() { stdout, stderr = prevOut, prevErr }()
	code := fn()
	return code, out.String(), errOut.String()
}

func withHome(t *testing.T) {
	t.Helper()
	t.Setenv("COORDQ_HOME", t.TempDir())
	t.Setenv("COORDQ_STORE_DRIVER", "")
	t.Setenv("COORDQ_MAX_ACTIVE_PER_ROOM", "")
	t.Setenv("COORDQ_OTEL_ENABLED", "")
	t.Setenv("COORDQ_NATS_ENABLED", "")
}

func TestRun_UnknownCommand(t *testing.T) {
	code, _, errOut := capture(t, func() int { return run(context.Background(), []string{"frobnicate"}) })
	if code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
	if !strings.Contains(errOut, `unknown command "frobnicate"`) {
		t.Fatalf("unexpected stderr %q", errOut)
	}
}

func TestRun_Version(t *testing.T) {
	code, out, _ := capture(t, func() int { return run(context.Background(), []string{"version"}) })
	if code != 0 || !strings.HasPrefix(out, "coordq ") {
		t.Fatalf("unexpected version output %d %q", code, out)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	withHome(t)
	tests := []struct {
		name string
		args []string
	}{
		{"enqueue missing task", []string{"enqueue", "-room", "r1"}},
		{"pending missing room", []string{"pending"}},
		{"get missing id", []string{"get"}},
		{"cancel both modes", []string{"cancel", "-id", "x", "-room", "r", "-request-id", "q"}},
		{"supersede no keys", []string{"supersede", "-room", "r"}},
		{"trace no filter", []string{"trace"}},
		{"scope no args", []string{"scope"}},
		{"bad flag", []string{"sweep", "-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := capture(t, func() int { return run(context.Background(), tt.args) })
			if code != 2 {
				t.Fatalf("expected exit 2, got %d", code)
			}
		})
	}
}

func TestParseRunAt(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	at, err := parseRunAt("", now)
	if err != nil || at != nil {
		t.Fatalf("empty: got %v %v", at, err)
	}
	at, err = parseRunAt("+90s", now)
	if err != nil || !at.Equal(now.Add(90*time.Second)) {
		t.Fatalf("offset: got %v %v", at, err)
	}
	at, err = parseRunAt("2026-03-01T10:00:00+02:00", now)
	if err != nil || !at.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) || at.Location() != time.UTC {
		t.Fatalf("rfc3339: got %v %v", at, err)
	}
	if _, err := parseRunAt("tomorrow", now); err == nil {
		t.Fatal("expected error for garbage")
	}
}

func TestStringList(t *testing.T) {
	var s stringList
	_ = s.Set("a, b")
	_ = s.Set("")
	_ = s.Set("c")
	if got := s.String(); got != "a,b,c" {
		t.Fatalf("got %q", got)
	}
}

func TestEnqueuePendingCancel(t *testing.T) {
	withHome(t)
	ctx := context.Background()

	code, out, errOut := capture(t, func() int {
		return run(ctx, []string{"enqueue", "-room", "r1", "-task", "build", "-params", `{"n":1}`, "-request-id", "req-1"})
	})
	if code != 0 {
		t.Fatalf("enqueue exit %d: %s", code, errOut)
	}
	var created queue.Task
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode enqueue output %q: %v", out, err)
	}
	if created.ID == "" || created.Status != queue.StatusQueued || created.RequestID != "req-1" {
		t.Fatalf("unexpected task %+v", created)
	}

	// Same request id dedupes onto the existing task.
	code, out, _ = capture(t, func() int {
		return run(ctx, []string{"enqueue", "-room", "r1", "-task", "build", "-request-id", "req-1"})
	})
	var again queue.Task
	if code != 0 || json.Unmarshal([]byte(out), &again) != nil || again.ID != created.ID {
		t.Fatalf("expected dedupe to %s, got %d %q", created.ID, code, out)
	}

	code, out, _ = capture(t, func() int { return run(ctx, []string{"pending", "-room", "r1"}) })
	var pending []queue.Task
	if code != 0 || json.Unmarshal([]byte(out), &pending) != nil || len(pending) != 1 {
		t.Fatalf("expected one pending task, got %d %q", code, out)
	}

	code, out, _ = capture(t, func() int { return run(ctx, []string{"cancel", "-room", "r1", "-request-id", "req-1"}) })
	if code != 0 || strings.TrimSpace(out) != `{"canceled":1}` {
		t.Fatalf("unexpected cancel output %d %q", code, out)
	}

	code, out, _ = capture(t, func() int { return run(ctx, []string{"get", created.ID}) })
	var got queue.Task
	if code != 0 || json.Unmarshal([]byte(out), &got) != nil || got.Status != queue.StatusCanceled {
		t.Fatalf("expected canceled task, got %d %q", code, out)
	}

	code, out, _ = capture(t, func() int { return run(ctx, []string{"trace", "-task", created.ID}) })
	if code != 0 || !strings.Contains(out, created.ID) {
		t.Fatalf("expected trace events for task, got %d %q", code, out)
	}

	code, _, _ = capture(t, func() int { return run(ctx, []string{"get", "missing"}) })
	if code != 1 {
		t.Fatalf("expected exit 1 for missing task, got %d", code)
	}
}

func TestEnqueue_BackpressureExitCode(t *testing.T) {
	withHome(t)
	t.Setenv("COORDQ_MAX_ACTIVE_PER_ROOM", "1")
	ctx := context.Background()

	code, _, errOut := capture(t, func() int { return run(ctx, []string{"enqueue", "-room", "busy", "-task", "a"}) })
	if code != 0 {
		t.Fatalf("first enqueue exit %d: %s", code, errOut)
	}
	code, _, errOut = capture(t, func() int { return run(ctx, []string{"enqueue", "-room", "busy", "-task", "b"}) })
	if code != exitBackpressure {
		t.Fatalf("expected exit %d, got %d", exitBackpressure, code)
	}
	if !strings.Contains(errOut, queue.QueueDepthLimitCode) {
		t.Fatalf("expected depth limit code in stderr, got %q", errOut)
	}
}

func TestSweep_ReportsRecovered(t *testing.T) {
	withHome(t)
	code, out, errOut := capture(t, func() int { return run(context.Background(), []string{"sweep"}) })
	if code != 0 {
		t.Fatalf("sweep exit %d: %s", code, errOut)
	}
	var report sweepReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("decode sweep output %q: %v", out, err)
	}
	if report.Recovered != 0 || len(report.Jobs) != 1 {
		t.Fatalf("unexpected sweep report %+v", report)
	}
	job := report.Jobs[0]
	if job.Name != maintenance.JobSweepLeases || job.Runs != 1 || job.LastError != "" || job.NextRunAt.IsZero() {
		t.Fatalf("expected one completed sweep run with a next activation, got %+v", job)
	}
}

func TestScopeCommand(t *testing.T) {
	code, out, _ := capture(t, func() int {
		return runScopeCommand([]string{"ws://LocalHost:3000/path", "ftp://nope"})
	})
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	var reports []scopeReport
	if err := json.Unmarshal([]byte(out), &reports); err != nil || len(reports) != 2 {
		t.Fatalf("decode %q: %v", out, err)
	}
	if r := reports[0]; !r.Valid || !r.Local || r.Scope != "localhost:3000" || r.Key == "" {
		t.Fatalf("unexpected report %+v", r)
	}
	if reports[1].Valid {
		t.Fatalf("ftp scope should be invalid: %+v", reports[1])
	}

	code, out, _ = capture(t, func() int { return runScopeCommand([]string{"-compare", "Worker-1.example.com", "worker-1"}) })
	var cmp hostComparison
	if code != 0 || json.Unmarshal([]byte(out), &cmp) != nil {
		t.Fatalf("compare failed %d %q", code, out)
	}
}

func TestDoctor_JSON(t *testing.T) {
	withHome(t)
	code, out, errOut := capture(t, func() int { return run(context.Background(), []string{"doctor", "-json"}) })
	// No handlers configured is a warning, not a failure.
	if code != 0 {
		t.Fatalf("doctor exit %d: %s %s", code, out, errOut)
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal([]byte(out), &diag); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	statuses := map[string]string{}
	for _, r := range diag.Results {
		statuses[r.Name] = r.Status
	}
	if statuses["Store"] != "PASS" || statuses["Handlers"] != "WARN" || statuses["NATS"] != "SKIP" {
		t.Fatalf("unexpected statuses %v", statuses)
	}
}
