package telemetry

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task claimed", "task_id", "task-1", "room", "r1")

	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v", err)
	}
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "coordq" {
		t.Fatalf("expected component=coordq, got %#v", entry["component"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestWriterLogger_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "info")
	logger.Info("lease renewed",
		"lease_token", "6f1d2c3b-aaaa-bbbb-cccc-1234567890ab",
		"error", "connect postgres://coordq:hunter2hunter2@db:5432/q: refused",
	)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	if entry["lease_token"] != "[REDACTED]" {
		t.Fatalf("expected lease_token redaction, got %#v", entry["lease_token"])
	}
	if strings.Contains(entry["error"].(string), "hunter2") {
		t.Fatalf("expected DSN password redaction, got %#v", entry["error"])
	}
}

func TestComponent_TagsSubsystem(t *testing.T) {
	var buf bytes.Buffer
	Component(NewWriterLogger(&buf, "info"), "ledger").Warn("trace insert failed")
	if !strings.Contains(buf.String(), `"subsystem":"ledger"`) {
		t.Fatalf("expected subsystem tag, got %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("WARNING") != slog.LevelWarn || ParseLevel("bogus") != slog.LevelInfo {
		t.Fatalf("unexpected level mapping")
	}
}
