package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/basket/coordq/internal/ledger"
)

const defaultTraceListLimit = 500

var (
	_ ledger.Writer = (*Store)(nil)
	_ ledger.Reader = (*Store)(nil)
)

// InsertTraceEvent writes one trace row. Unknown column names are rejected.
func (s *Store) InsertTraceEvent(ctx context.Context, row []ledger.Column) error {
	if len(row) == 0 {
		return fmt.Errorf("insert trace event: empty row")
	}
	var args argList
	names := make([]string, 0, len(row))
	marks := make([]string, 0, len(row))
	for _, col := range row {
		if !ledger.KnownColumn(col.Name) {
			return fmt.Errorf("insert trace event: unknown column %q", col.Name)
		}
		value := col.Value
		if col.Name == ledger.ColCreatedAt {
			if ms, ok := value.(int64); ok {
				value = time.UnixMilli(ms).UTC()
			}
		}
		names = append(names, col.Name)
		marks = append(marks, args.add(value))
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO task_trace_events (`+strings.Join(names, ", ")+`) VALUES (`+strings.Join(marks, ", ")+`)`, args.vals...)
	return err
}

// ListTraceEvents returns matching rows oldest first.
func (s *Store) ListTraceEvents(ctx context.Context, q ledger.Query) ([]ledger.Record, error) {
	withOptional := s.schemaVersion >= 2
	cols := `id, stage, status, trace_id, request_id, intent_id, task_id, room, task, attempt, latency_ms, payload, created_at`
	if withOptional {
		cols += `, sampled, provider, model, provider_source, model_source`
	}
	var args argList
	where := []string{"TRUE"}
	if q.TaskID != "" {
		where = append(where, "task_id = "+args.add(q.TaskID))
	}
	if q.TraceID != "" {
		where = append(where, "trace_id = "+args.add(q.TraceID))
	}
	if q.RequestID != "" {
		where = append(where, "request_id = "+args.add(q.RequestID))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultTraceListLimit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+cols+` FROM task_trace_events
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at ASC, id ASC
		LIMIT `+args.add(limit), args.vals...)
	if err != nil {
		return nil, fmt.Errorf("list trace events: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			rec                                          ledger.Record
			stage                                        string
			status, traceID, requestID, intentID, taskID *string
			room, task                                   *string
			payload                                      []byte
			provider, model, providerSource, modelSource *string
		)
		dest := []any{&rec.ID, &stage, &status, &traceID, &requestID, &intentID, &taskID,
			&room, &task, &rec.Attempt, &rec.LatencyMs, &payload, &rec.CreatedAt}
		if withOptional {
			dest = append(dest, &rec.Sampled, &provider, &model, &providerSource, &modelSource)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan trace event: %w", err)
		}
		rec.Stage = ledger.Stage(stage)
		rec.Status = derefString(status)
		rec.TraceID = derefString(traceID)
		rec.RequestID = derefString(requestID)
		rec.IntentID = derefString(intentID)
		rec.TaskID = derefString(taskID)
		rec.Room = derefString(room)
		rec.Task = derefString(task)
		rec.Provider = derefString(provider)
		rec.Model = derefString(model)
		rec.ProviderSource = derefString(providerSource)
		rec.ModelSource = derefString(modelSource)
		rec.Payload = json.RawMessage(payload)
		rec.CreatedAt = rec.CreatedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
