package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/basket/coordq/internal/queue"
)

const taskColumns = `id, room, task, params, status, lane, priority, run_at, attempt, error,
	request_id, dedupe_key, resource_keys, lease_token, lease_expires_at, result, trace_id,
	created_at, updated_at`

const leaseGuard = `id = $%d AND status = 'running' AND lease_token = $%d`

var _ queue.Store = (*Store)(nil)

func scanTask(row pgx.Row) (*queue.Task, error) {
	var (
		t                   queue.Task
		params, result      []byte
		status, lane        string
		errText, requestID  *string
		dedupeKey, traceID  *string
		leaseToken          *string
		runAt, leaseExpires *time.Time
	)
	if err := row.Scan(&t.ID, &t.Room, &t.Task, &params, &status, &lane, &t.Priority, &runAt,
		&t.Attempt, &errText, &requestID, &dedupeKey, &t.ResourceKeys, &leaseToken, &leaseExpires,
		&result, &traceID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = queue.Status(status)
	t.Lane = queue.Lane(lane)
	t.RunAt = utcPtr(runAt)
	t.LeaseExpiresAt = utcPtr(leaseExpires)
	t.Error = derefString(errText)
	t.RequestID = derefString(requestID)
	t.DedupeKey = derefString(dedupeKey)
	t.LeaseToken = derefString(leaseToken)
	t.TraceID = derefString(traceID)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	if len(result) > 0 {
		t.Result = json.RawMessage(result)
	}
	if err := json.Unmarshal(params, &t.Params); err != nil {
		return nil, fmt.Errorf("decode params for task %s: %w", t.ID, err)
	}
	if t.Params == nil {
		t.Params = map[string]any{}
	}
	if t.ResourceKeys == nil {
		t.ResourceKeys = []string{}
	}
	return &t, nil
}

func collectTasks(rows pgx.Rows) ([]queue.Task, error) {
	defer rows.Close()
	var out []queue.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func claimOrder(tasks []queue.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority > tasks[j].Priority
		}
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func encodeJSON(v any, fallback string) ([]byte, error) {
	if v == nil {
		return []byte(fallback), nil
	}
	return json.Marshal(v)
}

func keysOrEmpty(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

func statusStrings(statuses []queue.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func (s *Store) Insert(ctx context.Context, task *queue.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("insert task: id required")
	}
	params, err := encodeJSON(task.Params, "{}")
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var result []byte
	if len(task.Result) > 0 {
		result = task.Result
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		task.ID, task.Room, task.Task, params, string(task.Status), string(task.Lane), task.Priority,
		utcPtr(task.RunAt), task.Attempt, optString(task.Error), optString(task.RequestID),
		optString(task.DedupeKey), keysOrEmpty(task.ResourceKeys), optString(task.LeaseToken),
		utcPtr(task.LeaseExpiresAt), result, optString(task.TraceID), task.CreatedAt.UTC(), task.UpdatedAt.UTC())
	return err
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, queue.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) FindActive(ctx context.Context, lookup queue.ActiveLookup) (*queue.Task, error) {
	var args argList
	room, task := args.add(lookup.Room), args.add(lookup.Task)
	var match []string
	if lookup.RequestID != "" {
		match = append(match, "request_id = "+args.add(lookup.RequestID))
	}
	if lookup.DedupeKey != "" {
		match = append(match, "dedupe_key = "+args.add(lookup.DedupeKey))
	}
	if len(match) == 0 {
		return nil, nil
	}
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE room = `+room+` AND task = `+task+` AND (`+strings.Join(match, " OR ")+`) AND status IN ('queued', 'running')
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, args.vals...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active task: %w", err)
	}
	return t, nil
}

func (s *Store) FindLatestByRequest(ctx context.Context, room, task, requestID string) (*queue.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE room = $1 AND task = $2 AND request_id = $3
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, room, task, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find task by request: %w", err)
	}
	return t, nil
}

func (s *Store) CountActive(ctx context.Context, room string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM tasks WHERE room = $1 AND status IN ('queued', 'running')`, room).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *Store) ListActive(ctx context.Context, room string) ([]queue.Task, error) {
	var args argList
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN ('queued', 'running')`
	if room != "" {
		query += ` AND room = ` + args.add(room)
	}
	rows, err := s.pool.Query(ctx, query+` ORDER BY created_at ASC, id ASC`, args.vals...)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return collectTasks(rows)
}

// ClaimQueued locks candidates with SKIP LOCKED and leases them in the same
// statement, so concurrent claimers never see the same row.
func (s *Store) ClaimQueued(ctx context.Context, q queue.ClaimQuery) ([]queue.Task, error) {
	var args argList
	now := args.add(q.Now.UTC())
	where := `lane = 'queued'
		AND (status = 'queued' OR (status = 'running' AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ` + now + `)))
		AND (run_at IS NULL OR run_at <= ` + now + `)`
	if len(q.ResourceLocks) > 0 {
		where += ` AND resource_keys && ` + args.add(q.ResourceLocks)
	}
	if len(q.ExcludeKeys) > 0 {
		where += ` AND NOT (resource_keys && ` + args.add(q.ExcludeKeys) + `)`
	}
	limit := args.add(q.Limit)
	token := args.add(q.LeaseToken)
	expires := args.add(q.LeaseExpiresAt.UTC())

	rows, err := s.pool.Query(ctx, `
		WITH candidates AS (
			SELECT id FROM tasks
			WHERE `+where+`
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT `+limit+`
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks AS t
		SET status = 'running', lease_token = `+token+`, lease_expires_at = `+expires+`, updated_at = `+now+`
		FROM candidates AS c
		WHERE t.id = c.id
		RETURNING `+qualified("t"), args.vals...)
	if err != nil {
		return nil, fmt.Errorf("claim tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	claimOrder(tasks)
	return tasks, nil
}

func (s *Store) ListDirectCandidates(ctx context.Context, q queue.DirectQuery) ([]queue.Task, error) {
	var args argList
	now := args.add(q.Now.UTC())
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE lane = 'direct' AND status = 'running'
		AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ` + now + `)
		AND (run_at IS NULL OR run_at <= ` + now + `)
		AND ` + args.add(q.ScopeKey) + ` = ANY(resource_keys)`
	if len(q.ExcludeKeys) > 0 {
		query += ` AND NOT (resource_keys && ` + args.add(q.ExcludeKeys) + `)`
	}
	query += ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ` + args.add(q.Limit)
	rows, err := s.pool.Query(ctx, query, args.vals...)
	if err != nil {
		return nil, fmt.Errorf("list direct candidates: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) AcquireDirect(ctx context.Context, id, leaseToken string, expiresAt, now time.Time) (bool, error) {
	return s.guardedExec(ctx, `
		UPDATE tasks
		SET lease_token = $1, lease_expires_at = $2, updated_at = $3
		WHERE id = $4 AND lane = 'direct' AND status = 'running'
		AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= $3)
		AND (run_at IS NULL OR run_at <= $3)`,
		leaseToken, expiresAt.UTC(), now.UTC(), id)
}

func (s *Store) Complete(ctx context.Context, id, leaseToken string, result json.RawMessage, now time.Time) (bool, error) {
	var res []byte
	if len(result) > 0 {
		res = result
	}
	return s.guardedExec(ctx, `
		UPDATE tasks
		SET status = 'succeeded', result = $1, error = NULL,
			lease_token = NULL, lease_expires_at = NULL, updated_at = $2
		WHERE `+fmt.Sprintf(leaseGuard, 3, 4),
		res, now.UTC(), id, leaseToken)
}

func (s *Store) Fail(ctx context.Context, u queue.FailUpdate) (bool, error) {
	switch {
	case u.RetryAt == nil:
		return s.guardedExec(ctx, `
			UPDATE tasks
			SET status = 'failed', error = $1, attempt = attempt + 1,
				lease_token = NULL, lease_expires_at = NULL, updated_at = $2
			WHERE `+fmt.Sprintf(leaseGuard, 3, 4),
			u.Error, u.Now.UTC(), u.ID, u.LeaseToken)
	case u.KeepStatus:
		return s.guardedExec(ctx, `
			UPDATE tasks
			SET error = $1, attempt = attempt + 1, run_at = $2,
				lease_token = NULL, lease_expires_at = NULL, updated_at = $3
			WHERE `+fmt.Sprintf(leaseGuard, 4, 5),
			u.Error, u.RetryAt.UTC(), u.Now.UTC(), u.ID, u.LeaseToken)
	default:
		return s.guardedExec(ctx, `
			UPDATE tasks
			SET status = 'queued', lane = 'queued', error = $1, attempt = attempt + 1, run_at = $2,
				lease_token = NULL, lease_expires_at = NULL, updated_at = $3
			WHERE `+fmt.Sprintf(leaseGuard, 4, 5),
			u.Error, u.RetryAt.UTC(), u.Now.UTC(), u.ID, u.LeaseToken)
	}
}

func (s *Store) Requeue(ctx context.Context, u queue.RequeueUpdate) (bool, error) {
	var args argList
	sets := []string{
		"status = 'queued'", "lane = 'queued'",
		"run_at = " + args.add(utcPtr(u.RunAt)),
		"lease_token = NULL", "lease_expires_at = NULL",
		"updated_at = " + args.add(u.Now.UTC()),
	}
	if u.Error != nil {
		sets = append(sets, "error = "+args.add(optString(*u.Error)))
	}
	if u.Params != nil {
		params, err := json.Marshal(u.Params)
		if err != nil {
			return false, fmt.Errorf("encode params: %w", err)
		}
		sets = append(sets, "params = "+args.add(params))
	}
	if u.ResourceKeys != nil {
		sets = append(sets, "resource_keys = "+args.add(u.ResourceKeys))
	}
	id := args.add(u.ID)
	token := args.add(u.LeaseToken)
	return s.guardedExec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+
		` WHERE id = `+id+` AND status = 'running' AND lease_token = `+token, args.vals...)
}

func (s *Store) ExtendLease(ctx context.Context, id, leaseToken string, expiresAt, now time.Time) (bool, error) {
	return s.guardedExec(ctx, `
		UPDATE tasks SET lease_expires_at = $1, updated_at = $2 WHERE `+fmt.Sprintf(leaseGuard, 3, 4),
		expiresAt.UTC(), now.UTC(), id, leaseToken)
}

func (s *Store) ReleaseLease(ctx context.Context, id, leaseToken string, now time.Time) (bool, error) {
	return s.guardedExec(ctx, `
		UPDATE tasks SET lease_token = NULL, lease_expires_at = NULL, updated_at = $1 WHERE `+fmt.Sprintf(leaseGuard, 2, 3),
		now.UTC(), id, leaseToken)
}

// CancelTasks cancels every row matching f in one statement and returns the
// changed rows. An unscoped filter is refused.
func (s *Store) CancelTasks(ctx context.Context, f queue.CancelFilter, now time.Time) ([]queue.Task, error) {
	if f.ID == "" && f.Room == "" && f.RequestID == "" && len(f.OverlapKeys) == 0 {
		return nil, fmt.Errorf("cancel tasks: %w", queue.ErrInvalidRequest)
	}
	var args argList
	nowArg := args.add(now.UTC())
	where := []string{"TRUE"}
	if f.ID != "" {
		where = append(where, "id = "+args.add(f.ID))
	}
	if f.Room != "" {
		where = append(where, "room = "+args.add(f.Room))
	}
	if f.RequestID != "" {
		where = append(where, "request_id = "+args.add(f.RequestID))
	}
	if f.ExcludeID != "" {
		where = append(where, "id <> "+args.add(f.ExcludeID))
	}
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []queue.Status{queue.StatusQueued, queue.StatusRunning, queue.StatusFailed}
	}
	where = append(where, "status = ANY("+args.add(statusStrings(statuses))+")")
	if len(f.TaskNames) > 0 {
		where = append(where, "task = ANY("+args.add(f.TaskNames)+")")
	}
	if len(f.OverlapKeys) > 0 {
		where = append(where, "resource_keys && "+args.add(f.OverlapKeys))
	}

	rows, err := s.pool.Query(ctx, `
		UPDATE tasks
		SET status = 'canceled', lease_token = NULL, lease_expires_at = NULL, updated_at = `+nowArg+`
		WHERE `+strings.Join(where, " AND ")+`
		RETURNING `+taskColumns, args.vals...)
	if err != nil {
		return nil, fmt.Errorf("cancel tasks: %w", err)
	}
	tasks, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })
	return tasks, nil
}

func (s *Store) SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin sweep tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	queued, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'queued', lease_token = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE lane = 'queued' AND status = 'running'
		AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep queued lane: %w", err)
	}
	direct, err := tx.Exec(ctx, `
		UPDATE tasks
		SET lease_token = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE lane = 'direct' AND status = 'running'
		AND lease_expires_at IS NOT NULL AND lease_expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep direct lane: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit sweep: %w", err)
	}
	return queued.RowsAffected() + direct.RowsAffected(), nil
}

func (s *Store) guardedExec(ctx context.Context, query string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func qualified(alias string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
