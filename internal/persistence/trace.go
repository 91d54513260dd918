package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/coordq/internal/ledger"
)

const defaultTraceListLimit = 500

var (
	_ ledger.Writer = (*Store)(nil)
	_ ledger.Reader = (*Store)(nil)
)

// InsertTraceEvent writes one trace row. Column names outside the ledger's
// fixed set are rejected before reaching SQL.
func (s *Store) InsertTraceEvent(ctx context.Context, row []ledger.Column) error {
	if len(row) == 0 {
		return fmt.Errorf("insert trace event: empty row")
	}
	names := make([]string, 0, len(row))
	args := make([]any, 0, len(row))
	for _, col := range row {
		if !ledger.KnownColumn(col.Name) {
			return fmt.Errorf("insert trace event: unknown column %q", col.Name)
		}
		names = append(names, col.Name)
		args = append(args, col.Value)
	}
	query := `INSERT INTO task_trace_events (` + strings.Join(names, ", ") + `) VALUES (` + placeholders(len(args)) + `);`
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// ListTraceEvents returns matching rows oldest first. Optional columns read
// as empty on schemas that predate them.
func (s *Store) ListTraceEvents(ctx context.Context, q ledger.Query) ([]ledger.Record, error) {
	withOptional := s.schemaVersion >= 2
	cols := `id, stage, status, trace_id, request_id, intent_id, task_id, room, task, attempt, latency_ms, payload, created_at`
	if withOptional {
		cols += `, sampled, provider, model, provider_source, model_source`
	}
	where := []string{"1 = 1"}
	var args []any
	if q.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, q.TaskID)
	}
	if q.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, q.TraceID)
	}
	if q.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, q.RequestID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultTraceListLimit
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cols+` FROM task_trace_events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("list trace events: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			rec                                          ledger.Record
			stage                                        string
			status, traceID, requestID, intentID, taskID sql.NullString
			room, task                                   sql.NullString
			latency                                      sql.NullInt64
			payload                                      string
			created                                      int64
			sampled                                      sql.NullBool
			provider, model, providerSource, modelSource sql.NullString
		)
		dest := []any{&rec.ID, &stage, &status, &traceID, &requestID, &intentID, &taskID,
			&room, &task, &rec.Attempt, &latency, &payload, &created}
		if withOptional {
			dest = append(dest, &sampled, &provider, &model, &providerSource, &modelSource)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		rec.Stage = ledger.Stage(stage)
		rec.Status = status.String
		rec.TraceID = traceID.String
		rec.RequestID = requestID.String
		rec.IntentID = intentID.String
		rec.TaskID = taskID.String
		rec.Room = room.String
		rec.Task = task.String
		if latency.Valid {
			v := latency.Int64
			rec.LatencyMs = &v
		}
		if sampled.Valid {
			v := sampled.Bool
			rec.Sampled = &v
		}
		rec.Provider = provider.String
		rec.Model = model.String
		rec.ProviderSource = providerSource.String
		rec.ModelSource = modelSource.String
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
