package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/coordq/internal/heartbeat"
	"github.com/basket/coordq/internal/ledger"
	"github.com/basket/coordq/internal/persistence"
	"github.com/basket/coordq/internal/queue"
	"github.com/basket/coordq/internal/storeerr"
)

func openTestStore(t *testing.T, opts ...persistence.OpenOption) (*persistence.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "coordq.db")
	store, err := persistence.Open(dbPath, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, dbPath
}

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func columnNames(t *testing.T, db *sql.DB, table string) map[string]bool {
	t.Helper()
	rows, err := db.Query("PRAGMA table_info(" + table + ");")
	if err != nil {
		t.Fatalf("table_info %s: %v", table, err)
	}
	defer rows.Close()
	out := map[string]bool{}
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scan table_info: %v", err)
		}
		out[name] = true
	}
	return out
}

func newTask(id, room string, now time.Time) *queue.Task {
	return &queue.Task{
		ID:           id,
		Room:         room,
		Task:         "build",
		Params:       map[string]any{"n": float64(1)},
		Status:       queue.StatusQueued,
		Lane:         queue.LaneQueued,
		ResourceKeys: []string{"room:" + room},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	store, _ := openTestStore(t)
	db := store.DB()

	journal := queryOneString(t, db, "PRAGMA journal_mode;")
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	if synchronous != 2 {
		t.Fatalf("expected synchronous FULL(2), got %d", synchronous)
	}

	for _, table := range []string{"tasks", "task_trace_events", "worker_heartbeats", "schema_migrations"} {
		if len(columnNames(t, db, table)) == 0 {
			t.Fatalf("expected table %s to exist", table)
		}
	}
	if store.SchemaVersion() != persistence.SchemaVersionLatest {
		t.Fatalf("expected schema version %d, got %d", persistence.SchemaVersionLatest, store.SchemaVersion())
	}
}

func TestStore_UpgradesFromV1(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "coordq.db")

	old, err := persistence.Open(dbPath, persistence.WithSchemaVersion(1))
	if err != nil {
		t.Fatalf("open v1: %v", err)
	}
	cols := columnNames(t, old.DB(), "task_trace_events")
	if cols["provider"] || cols["sampled"] {
		t.Fatalf("v1 schema should not have optional trace columns: %v", cols)
	}
	_ = old.Close()

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen latest: %v", err)
	}
	defer store.Close()
	cols = columnNames(t, store.DB(), "task_trace_events")
	for _, c := range ledger.OptionalColumns {
		if !cols[c] {
			t.Fatalf("expected column %s after upgrade", c)
		}
	}
}

func TestStore_RejectsNewerSchema(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(99, 'future');`); err != nil {
		t.Fatalf("insert future migration: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-than-supported error, got %v", err)
	}
}

func TestStore_RejectsChecksumMismatch(t *testing.T) {
	store, dbPath := openTestStore(t)
	if _, err := store.DB().Exec(`UPDATE schema_migrations SET checksum = 'tampered' WHERE version = 1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = store.Close()

	_, err := persistence.Open(dbPath)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_ClassifyConflictAndMissingColumn(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, persistence.WithSchemaVersion(1))
	now := time.Now().UTC()

	first := newTask("t-1", "r1", now)
	first.RequestID = "req-1"
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	second := newTask("t-2", "r1", now)
	second.RequestID = "req-1"
	err := store.Insert(ctx, second)
	if err == nil {
		t.Fatal("expected unique violation for second active task with same request id")
	}
	if got := store.Classify(err).Kind; got != storeerr.KindConflict {
		t.Fatalf("expected conflict, got %s (%v)", got, err)
	}

	err = store.InsertTraceEvent(ctx, []ledger.Column{
		{Name: ledger.ColID, Value: "e-1"},
		{Name: ledger.ColStage, Value: "queued"},
		{Name: ledger.ColPayload, Value: "{}"},
		{Name: ledger.ColCreatedAt, Value: now.UnixMilli()},
		{Name: ledger.ColProvider, Value: "openai"},
	})
	if err == nil {
		t.Fatal("expected missing column error on v1 schema")
	}
	cls := store.Classify(err)
	if cls.Kind != storeerr.KindMissingColumn || cls.Column != ledger.ColProvider {
		t.Fatalf("expected missing column provider, got %+v", cls)
	}

	if got := store.Classify(nil).Kind; got != storeerr.KindNone {
		t.Fatalf("expected none for nil, got %s", got)
	}
	if got := store.Classify(context.DeadlineExceeded).Kind; got != storeerr.KindUnavailable {
		t.Fatalf("expected unavailable for deadline, got %s", got)
	}
	if got := store.Classify(errors.New("boom")); got.Kind != storeerr.KindOther || got.Detail != "boom" {
		t.Fatalf("expected other with detail, got %+v", got)
	}
}

func TestStore_InsertTraceEventRejectsUnknownColumn(t *testing.T) {
	store, _ := openTestStore(t)
	err := store.InsertTraceEvent(context.Background(), []ledger.Column{
		{Name: ledger.ColID, Value: "e-1"},
		{Name: "id; DROP TABLE tasks", Value: 1},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown column") {
		t.Fatalf("expected unknown column error, got %v", err)
	}
}

func TestStore_RecorderDegradesOnV1Schema(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t, persistence.WithSchemaVersion(1))
	rec := ledger.NewRecorder(store, ledger.Config{Enabled: true, SampleRate: 1})

	rec.Record(ctx, ledger.Event{Stage: ledger.StageQueued, TaskID: "t-1", TraceID: "tr-1", Provider: "openai", Model: "gpt"})
	rec.Record(ctx, ledger.Event{Stage: ledger.StageClaimed, TaskID: "t-1", TraceID: "tr-1"})

	records, err := store.ListTraceEvents(ctx, ledger.Query{TaskID: "t-1"})
	if err != nil {
		t.Fatalf("list trace events: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 trace rows after degradation, got %d", len(records))
	}
	if records[0].Stage != ledger.StageQueued || records[1].Stage != ledger.StageClaimed {
		t.Fatalf("unexpected stage order: %s, %s", records[0].Stage, records[1].Stage)
	}
	missing := rec.Capabilities().MissingColumns()
	if len(missing) == 0 {
		t.Fatal("expected capability cache to record missing columns")
	}
}

func TestStore_TraceEventsRoundTripOptionalColumns(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	rec := ledger.NewRecorder(store, ledger.Config{Enabled: true, SampleRate: 1})
	latency := int64(42)
	rec.Record(ctx, ledger.Event{
		Stage:     ledger.StageClaimed,
		TaskID:    "t-9",
		TraceID:   "tr-9",
		Room:      "r1",
		Attempt:   2,
		LatencyMs: &latency,
		Provider:  "anthropic",
		Payload:   map[string]any{"lane": "queued"},
	})

	records, err := store.ListTraceEvents(ctx, ledger.Query{TraceID: "tr-9"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Provider != "anthropic" || got.Attempt != 2 || got.Room != "r1" {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.LatencyMs == nil || *got.LatencyMs != 42 {
		t.Fatalf("expected latency 42, got %v", got.LatencyMs)
	}
	if got.Sampled == nil || *got.Sampled {
		t.Fatalf("expected sampled=false at rate 1, got %v", got.Sampled)
	}
	if !strings.Contains(string(got.Payload), `"lane":"queued"`) {
		t.Fatalf("unexpected payload: %s", got.Payload)
	}
}

func TestStore_HeartbeatUpsertAndRecent(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

	lag := int64(150)
	if err := store.UpsertHeartbeat(ctx, heartbeat.Heartbeat{WorkerID: "w1", Host: "alpha", PID: 10, ActiveTasks: 1, UpdatedAt: base}); err != nil {
		t.Fatalf("upsert w1: %v", err)
	}
	if err := store.UpsertHeartbeat(ctx, heartbeat.Heartbeat{WorkerID: "w2", Host: "beta", PID: 11, UpdatedAt: base.Add(-time.Hour)}); err != nil {
		t.Fatalf("upsert w2: %v", err)
	}
	if err := store.UpsertHeartbeat(ctx, heartbeat.Heartbeat{WorkerID: "w1", Host: "alpha", PID: 12, ActiveTasks: 3, QueueLagMs: &lag, Version: "1.2.0", UpdatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("re-upsert w1: %v", err)
	}

	recent, err := store.RecentHeartbeats(ctx, base.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 {
		t.Fatalf("expected only w1 inside the window, got %d", len(recent))
	}
	hb := recent[0]
	if hb.WorkerID != "w1" || hb.PID != 12 || hb.ActiveTasks != 3 || hb.Version != "1.2.0" {
		t.Fatalf("expected upserted values, got %+v", hb)
	}
	if hb.QueueLagMs == nil || *hb.QueueLagMs != 150 {
		t.Fatalf("expected queue lag 150, got %v", hb.QueueLagMs)
	}
	if !hb.UpdatedAt.Equal(base.Add(time.Minute)) {
		t.Fatalf("unexpected updated_at %v", hb.UpdatedAt)
	}

	all, err := store.RecentHeartbeats(ctx, base.Add(-2*time.Hour), 10)
	if err != nil {
		t.Fatalf("recent all: %v", err)
	}
	if len(all) != 2 || all[0].WorkerID != "w1" {
		t.Fatalf("expected newest first, got %+v", all)
	}
}

func TestStore_CancelTasksRefusesEmptyFilter(t *testing.T) {
	store, _ := openTestStore(t)
	_, err := store.CancelTasks(context.Background(), queue.CancelFilter{}, time.Now())
	if !errors.Is(err, queue.ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestStore_ClaimQueuedHonorsLocksAndExclusions(t *testing.T) {
	ctx := context.Background()
	store, _ := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	a := newTask("a", "r1", now)
	a.ResourceKeys = []string{"room:r1", "skip-host:alpha"}
	b := newTask("b", "r1", now.Add(time.Millisecond))
	b.ResourceKeys = []string{"room:r1", "lock:x"}
	c := newTask("c", "r2", now.Add(2*time.Millisecond))
	for _, task := range []*queue.Task{a, b, c} {
		if err := store.Insert(ctx, task); err != nil {
			t.Fatalf("insert %s: %v", task.ID, err)
		}
	}

	got, err := store.ClaimQueued(ctx, queue.ClaimQuery{
		Limit:          10,
		ResourceLocks:  []string{"room:r1"},
		ExcludeKeys:    []string{"skip-host:alpha"},
		Now:            now.Add(time.Second),
		LeaseToken:     "tok",
		LeaseExpiresAt: now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("expected only b, got %+v", got)
	}
	if got[0].Status != queue.StatusRunning || got[0].LeaseToken != "tok" {
		t.Fatalf("expected leased running task, got %+v", got[0])
	}

	stored, err := store.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	if stored.LeaseToken != "tok" || stored.LeaseExpiresAt == nil {
		t.Fatalf("expected persisted lease, got %+v", stored)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, queue.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
