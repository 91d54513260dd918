package heartbeat

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"
)

type memStore struct {
	rows map[string]Heartbeat
	err  error
}

func (m *memStore) UpsertHeartbeat(_ context.Context, hb Heartbeat) error {
	if m.err != nil {
		return m.err
	}
	if m.rows == nil {
		m.rows = make(map[string]Heartbeat)
	}
	m.rows[hb.WorkerID] = hb
	return nil
}

func (m *memStore) RecentHeartbeats(_ context.Context, since time.Time, limit int) ([]Heartbeat, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []Heartbeat
	for _, hb := range m.rows {
		if !hb.UpdatedAt.Before(since) {
			out = append(out, hb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func TestRecordHeartbeat_Upserts(t *testing.T) {
	store := &memStore{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry(store, WithHost("bens-mbp"), WithClock(func() time.Time { return now }))

	lag := int64(250)
	r.RecordHeartbeat(context.Background(), "w1", 2, &lag, "v1")
	r.RecordHeartbeat(context.Background(), "w1", 0, nil, "v2")

	if len(store.rows) != 1 {
		t.Fatalf("expected one row per worker, got %d", len(store.rows))
	}
	hb := store.rows["w1"]
	if hb.Host != "bens-mbp" || hb.Version != "v2" || hb.ActiveTasks != 0 || hb.QueueLagMs != nil {
		t.Fatalf("unexpected heartbeat: %+v", hb)
	}
	if hb.PID == 0 || !hb.UpdatedAt.Equal(now) {
		t.Fatalf("expected pid and updated_at, got %+v", hb)
	}
}

func TestRecordHeartbeat_SwallowsErrors(t *testing.T) {
	store := &memStore{err: errors.New("connection refused")}
	r := NewRegistry(store, WithHost("h"))
	r.RecordHeartbeat(context.Background(), "w1", 1, nil, "")
}

func TestRecentHosts_DistinctAndWindowed(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &memStore{rows: map[string]Heartbeat{
		"a": {WorkerID: "a", Host: "Bens-MBP.local", UpdatedAt: base.Add(-1 * time.Minute)},
		"b": {WorkerID: "b", Host: "bens-mbp", UpdatedAt: base.Add(-2 * time.Minute)},
		"c": {WorkerID: "c", Host: "f8152f2e162b", UpdatedAt: base.Add(-3 * time.Minute)},
		"d": {WorkerID: "d", Host: "stale-box", UpdatedAt: base.Add(-2 * time.Hour)},
	}}
	r := NewRegistry(store, WithHost("self"))

	hosts, err := r.RecentHosts(context.Background(), base.Add(-10*time.Minute), 10)
	if err != nil {
		t.Fatalf("recent hosts: %v", err)
	}
	want := []string{"bens-mbp", "f8152f2e162b"}
	if len(hosts) != len(want) {
		t.Fatalf("hosts = %v, want %v", hosts, want)
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Fatalf("hosts = %v, want %v", hosts, want)
		}
	}
}
