package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/coordq/internal/heartbeat"
)

var _ heartbeat.Store = (*Store)(nil)

func (s *Store) UpsertHeartbeat(ctx context.Context, hb heartbeat.Heartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("upsert heartbeat: worker id required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO worker_heartbeats (worker_id, host, pid, version, active_tasks, queue_lag_ms, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (worker_id) DO UPDATE SET
			host = EXCLUDED.host,
			pid = EXCLUDED.pid,
			version = EXCLUDED.version,
			active_tasks = EXCLUDED.active_tasks,
			queue_lag_ms = EXCLUDED.queue_lag_ms,
			updated_at = EXCLUDED.updated_at`,
		hb.WorkerID, hb.Host, hb.PID, optString(hb.Version), hb.ActiveTasks, hb.QueueLagMs, hb.UpdatedAt.UTC())
	return err
}

func (s *Store) RecentHeartbeats(ctx context.Context, since time.Time, limit int) ([]heartbeat.Heartbeat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT worker_id, host, pid, version, active_tasks, queue_lag_ms, updated_at
		FROM worker_heartbeats
		WHERE updated_at >= $1
		ORDER BY updated_at DESC, worker_id ASC
		LIMIT $2`, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []heartbeat.Heartbeat
	for rows.Next() {
		var (
			hb      heartbeat.Heartbeat
			version *string
		)
		if err := rows.Scan(&hb.WorkerID, &hb.Host, &hb.PID, &version, &hb.ActiveTasks, &hb.QueueLagMs, &hb.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Version = derefString(version)
		hb.UpdatedAt = hb.UpdatedAt.UTC()
		out = append(out, hb)
	}
	return out, rows.Err()
}
