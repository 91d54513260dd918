package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/coordq/internal/heartbeat"
)

const defaultHeartbeatLimit = 100

var _ heartbeat.Store = (*Store)(nil)

func (s *Store) UpsertHeartbeat(ctx context.Context, hb heartbeat.Heartbeat) error {
	if hb.WorkerID == "" {
		return fmt.Errorf("upsert heartbeat: worker id required")
	}
	var lag any
	if hb.QueueLagMs != nil {
		lag = *hb.QueueLagMs
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_heartbeats (worker_id, host, pid, version, active_tasks, queue_lag_ms, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET
				host = excluded.host,
				pid = excluded.pid,
				version = excluded.version,
				active_tasks = excluded.active_tasks,
				queue_lag_ms = excluded.queue_lag_ms,
				updated_at = excluded.updated_at;
		`, hb.WorkerID, hb.Host, hb.PID, nullString(hb.Version), hb.ActiveTasks, lag, toMillis(hb.UpdatedAt))
		return err
	})
}

// RecentHeartbeats lists heartbeats updated at or after since, newest first.
func (s *Store) RecentHeartbeats(ctx context.Context, since time.Time, limit int) ([]heartbeat.Heartbeat, error) {
	if limit <= 0 {
		limit = defaultHeartbeatLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, host, pid, version, active_tasks, queue_lag_ms, updated_at
		FROM worker_heartbeats
		WHERE updated_at >= ?
		ORDER BY updated_at DESC, worker_id ASC
		LIMIT ?;
	`, toMillis(since), limit)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats: %w", err)
	}
	defer rows.Close()

	var out []heartbeat.Heartbeat
	for rows.Next() {
		var (
			hb      heartbeat.Heartbeat
			version sql.NullString
			lag     sql.NullInt64
			updated int64
		)
		if err := rows.Scan(&hb.WorkerID, &hb.Host, &hb.PID, &version, &hb.ActiveTasks, &lag, &updated); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		hb.Version = version.String
		if lag.Valid {
			v := lag.Int64
			hb.QueueLagMs = &v
		}
		hb.UpdatedAt = fromMillis(updated)
		out = append(out, hb)
	}
	return out, rows.Err()
}
