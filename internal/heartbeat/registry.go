// Package heartbeat records per-worker liveness and exposes the recent host
// set that host fencing reads.
package heartbeat

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/basket/coordq/internal/scope"
)

// Heartbeat is the upserted liveness row for one worker process.
type Heartbeat struct {
	WorkerID    string    `json:"worker_id"`
	Host        string    `json:"host"`
	PID         int       `json:"pid"`
	Version     string    `json:"version,omitempty"`
	ActiveTasks int       `json:"active_tasks"`
	QueueLagMs  *int64    `json:"queue_lag_ms,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists heartbeats keyed by worker id.
type Store interface {
	UpsertHeartbeat(ctx context.Context, hb Heartbeat) error
	RecentHeartbeats(ctx context.Context, since time.Time, limit int) ([]Heartbeat, error)
}

// Registry writes this process's heartbeats and reads everyone else's.
type Registry struct {
	store  Store
	host   string
	pid    int
	now    func() time.Time
	logger *slog.Logger
}

// Option customizes a Registry.
type Option func(*Registry)

// WithHost overrides the detected hostname.
func WithHost(host string) Option { return func(r *Registry) { r.host = host } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithLogger sets the warning sink.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// NewRegistry builds a Registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		pid:   os.Getpid(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.host == "" {
		r.host = LocalHost()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// LocalHost returns the normalized hostname of this machine.
func LocalHost() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return scope.NormalizeWorkerHost(h)
}

// Host returns the host recorded in this registry's heartbeats.
func (r *Registry) Host() string { return r.host }

// RecordHeartbeat upserts the liveness row for workerID. Failures are logged.
func (r *Registry) RecordHeartbeat(ctx context.Context, workerID string, activeTasks int, queueLagMs *int64, version string) {
	if r == nil || r.store == nil || workerID == "" {
		return
	}
	hb := Heartbeat{
		WorkerID:    workerID,
		Host:        r.host,
		PID:         r.pid,
		Version:     version,
		ActiveTasks: activeTasks,
		QueueLagMs:  queueLagMs,
		UpdatedAt:   r.now().UTC(),
	}
	if err := r.store.UpsertHeartbeat(ctx, hb); err != nil {
		r.logger.Warn("worker heartbeat write failed", "worker_id", workerID, "host", r.host, "error", err)
	}
}

// Recent lists heartbeats updated at or after since, newest first.
func (r *Registry) Recent(ctx context.Context, since time.Time, limit int) ([]Heartbeat, error) {
	return r.store.RecentHeartbeats(ctx, since, limit)
}

// RecentHosts returns the distinct normalized hosts seen since, newest first.
func (r *Registry) RecentHosts(ctx context.Context, since time.Time, limit int) ([]string, error) {
	beats, err := r.store.RecentHeartbeats(ctx, since, limit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(beats))
	hosts := make([]string, 0, len(beats))
	for _, hb := range beats {
		h := scope.NormalizeWorkerHost(hb.Host)
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}
	return hosts, nil
}
