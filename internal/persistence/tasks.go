package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/coordq/internal/queue"
)

const busyRetries = 5

const taskColumns = `id, room, task, params, status, lane, priority, run_at, attempt, error,
	request_id, dedupe_key, resource_keys, lease_token, lease_expires_at, result, trace_id,
	created_at, updated_at`

// reclaimable selects rows on a lane that a claimer may take: queued, or
// running without a live lease.
const reclaimable = `(status = 'queued' OR (status = 'running' AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)))`

// leaseGuard matches the row only while it is running under the given token.
const leaseGuard = `id = ? AND status = 'running' AND lease_token = ?`

var _ queue.Store = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*queue.Task, error) {
	var (
		t              queue.Task
		params         string
		status, lane   string
		runAt, leaseAt sql.NullInt64
		errText        sql.NullString
		requestID      sql.NullString
		dedupeKey      sql.NullString
		keys           string
		leaseToken     sql.NullString
		result         sql.NullString
		traceID        sql.NullString
		created        int64
		updated        int64
	)
	if err := row.Scan(&t.ID, &t.Room, &t.Task, &params, &status, &lane, &t.Priority, &runAt,
		&t.Attempt, &errText, &requestID, &dedupeKey, &keys, &leaseToken, &leaseAt, &result,
		&traceID, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = queue.Status(status)
	t.Lane = queue.Lane(lane)
	t.RunAt = fromNullMillis(runAt)
	t.Error = errText.String
	t.RequestID = requestID.String
	t.DedupeKey = dedupeKey.String
	t.LeaseToken = leaseToken.String
	t.LeaseExpiresAt = fromNullMillis(leaseAt)
	t.TraceID = traceID.String
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if err := json.Unmarshal([]byte(params), &t.Params); err != nil {
		return nil, fmt.Errorf("decode params for task %s: %w", t.ID, err)
	}
	if t.Params == nil {
		t.Params = map[string]any{}
	}
	if err := json.Unmarshal([]byte(keys), &t.ResourceKeys); err != nil {
		return nil, fmt.Errorf("decode resource keys for task %s: %w", t.ID, err)
	}
	if t.ResourceKeys == nil {
		t.ResourceKeys = []string{}
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]queue.Task, error) {
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

func encodeParams(params map[string]any) (string, error) {
	if params == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode params: %w", err)
	}
	return string(raw), nil
}

func encodeKeys(keys []string) (string, error) {
	if keys == nil {
		keys = []string{}
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode resource keys: %w", err)
	}
	return string(raw), nil
}

// keyFilter renders a json_each membership test over resource_keys.
func keyFilter(negate bool, keys []string) (string, []any) {
	if len(keys) == 0 {
		return "", nil
	}
	clause := "EXISTS (SELECT 1 FROM json_each(tasks.resource_keys) WHERE json_each.value IN (" + placeholders(len(keys)) + "))"
	if negate {
		clause = "NOT " + clause
	}
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	return " AND " + clause, args
}

func statusArgs(statuses []queue.Status) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

func (s *Store) Insert(ctx context.Context, task *queue.Task) error {
	if task == nil || task.ID == "" {
		return fmt.Errorf("insert task: id required")
	}
	params, err := encodeParams(task.Params)
	if err != nil {
		return err
	}
	keys, err := encodeKeys(task.ResourceKeys)
	if err != nil {
		return err
	}
	var result any
	if len(task.Result) > 0 {
		result = string(task.Result)
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.Room, task.Task, params, string(task.Status), string(task.Lane), task.Priority,
			nullMillis(task.RunAt), task.Attempt, nullString(task.Error), nullString(task.RequestID),
			nullString(task.DedupeKey), keys, nullString(task.LeaseToken), nullMillis(task.LeaseExpiresAt),
			result, nullString(task.TraceID), toMillis(task.CreatedAt), toMillis(task.UpdatedAt))
		return err
	})
}

func (s *Store) Get(ctx context.Context, id string) (*queue.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, queue.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) FindActive(ctx context.Context, lookup queue.ActiveLookup) (*queue.Task, error) {
	var match []string
	args := []any{lookup.Room, lookup.Task}
	if lookup.RequestID != "" {
		match = append(match, "request_id = ?")
		args = append(args, lookup.RequestID)
	}
	if lookup.DedupeKey != "" {
		match = append(match, "dedupe_key = ?")
		args = append(args, lookup.DedupeKey)
	}
	if len(match) == 0 {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE room = ? AND task = ? AND (`+strings.Join(match, " OR ")+`) AND status IN ('queued', 'running')
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active task: %w", err)
	}
	return t, nil
}

func (s *Store) FindLatestByRequest(ctx context.Context, room, task, requestID string) (*queue.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE room = ? AND task = ? AND request_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1;
	`, room, task, requestID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find task by request: %w", err)
	}
	return t, nil
}

func (s *Store) CountActive(ctx context.Context, room string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks WHERE room = ? AND status IN ('queued', 'running');
	`, room).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks: %w", err)
	}
	return n, nil
}

func (s *Store) ListActive(ctx context.Context, room string) ([]queue.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status IN ('queued', 'running')`
	var args []any
	if room != "" {
		query += ` AND room = ?`
		args = append(args, room)
	}
	query += ` ORDER BY created_at ASC, id ASC;`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	return scanTasks(rows)
}

// ClaimQueued selects candidates and takes each with its own guarded update
// inside one immediate transaction. A row already taken by another claimer
// fails the guard and is skipped.
func (s *Store) ClaimQueued(ctx context.Context, q queue.ClaimQuery) ([]queue.Task, error) {
	now := toMillis(q.Now)
	expires := toMillis(q.LeaseExpiresAt)

	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE lane = 'queued' AND ` + reclaimable + `
		AND (run_at IS NULL OR run_at <= ?)`
	args := []any{now, now}
	lockClause, lockArgs := keyFilter(false, q.ResourceLocks)
	excludeClause, excludeArgs := keyFilter(true, q.ExcludeKeys)
	query += lockClause + excludeClause + ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?;`
	args = append(args, lockArgs...)
	args = append(args, excludeArgs...)
	args = append(args, q.Limit)

	var claimed []queue.Task
	err := retryOnBusy(ctx, busyRetries, func() error {
		claimed = claimed[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select claim candidates: %w", err)
		}
		candidates, err := scanTasks(rows)
		if err != nil {
			return fmt.Errorf("scan claim candidates: %w", err)
		}
		for _, cand := range candidates {
			res, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'running', lease_token = ?, lease_expires_at = ?, updated_at = ?
				WHERE id = ? AND lane = 'queued' AND `+reclaimable+`;
			`, q.LeaseToken, expires, now, cand.ID, now)
			if err != nil {
				return fmt.Errorf("lease task %s: %w", cand.ID, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			cand.Status = queue.StatusRunning
			cand.LeaseToken = q.LeaseToken
			exp := q.LeaseExpiresAt.UTC()
			cand.LeaseExpiresAt = &exp
			cand.UpdatedAt = q.Now.UTC()
			claimed = append(claimed, cand)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *Store) ListDirectCandidates(ctx context.Context, q queue.DirectQuery) ([]queue.Task, error) {
	now := toMillis(q.Now)
	query := `SELECT ` + taskColumns + ` FROM tasks
		WHERE lane = 'direct' AND status = 'running'
		AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)
		AND (run_at IS NULL OR run_at <= ?)`
	args := []any{now, now}
	scopeClause, scopeArgs := keyFilter(false, []string{q.ScopeKey})
	excludeClause, excludeArgs := keyFilter(true, q.ExcludeKeys)
	query += scopeClause + excludeClause + ` ORDER BY priority DESC, created_at ASC, id ASC LIMIT ?;`
	args = append(args, scopeArgs...)
	args = append(args, excludeArgs...)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list direct candidates: %w", err)
	}
	return scanTasks(rows)
}

func (s *Store) AcquireDirect(ctx context.Context, id, leaseToken string, expiresAt, now time.Time) (bool, error) {
	nowMs := toMillis(now)
	return s.guardedExec(ctx, `
		UPDATE tasks
		SET lease_token = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND lane = 'direct' AND status = 'running'
		AND (lease_token IS NULL OR lease_expires_at IS NULL OR lease_expires_at <= ?)
		AND (run_at IS NULL OR run_at <= ?);
	`, leaseToken, toMillis(expiresAt), nowMs, id, nowMs, nowMs)
}

func (s *Store) Complete(ctx context.Context, id, leaseToken string, result json.RawMessage, now time.Time) (bool, error) {
	var res any
	if len(result) > 0 {
		res = string(result)
	}
	return s.guardedExec(ctx, `
		UPDATE tasks
		SET status = 'succeeded', result = ?, error = NULL,
			lease_token = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE `+leaseGuard+`;
	`, res, toMillis(now), id, leaseToken)
}

func (s *Store) Fail(ctx context.Context, u queue.FailUpdate) (bool, error) {
	now := toMillis(u.Now)
	switch {
	case u.RetryAt == nil:
		return s.guardedExec(ctx, `
			UPDATE tasks
			SET status = 'failed', error = ?, attempt = attempt + 1,
				lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE `+leaseGuard+`;
		`, u.Error, now, u.ID, u.LeaseToken)
	case u.KeepStatus:
		return s.guardedExec(ctx, `
			UPDATE tasks
			SET error = ?, attempt = attempt + 1, run_at = ?,
				lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE `+leaseGuard+`;
		`, u.Error, toMillis(*u.RetryAt), now, u.ID, u.LeaseToken)
	default:
		return s.guardedExec(ctx, `
			UPDATE tasks
			SET status = 'queued', lane = 'queued', error = ?, attempt = attempt + 1, run_at = ?,
				lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE `+leaseGuard+`;
		`, u.Error, toMillis(*u.RetryAt), now, u.ID, u.LeaseToken)
	}
}

func (s *Store) Requeue(ctx context.Context, u queue.RequeueUpdate) (bool, error) {
	sets := []string{
		"status = 'queued'", "lane = 'queued'", "run_at = ?",
		"lease_token = NULL", "lease_expires_at = NULL", "updated_at = ?",
	}
	args := []any{nullMillis(u.RunAt), toMillis(u.Now)}
	if u.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullString(*u.Error))
	}
	if u.Params != nil {
		params, err := encodeParams(u.Params)
		if err != nil {
			return false, err
		}
		sets = append(sets, "params = ?")
		args = append(args, params)
	}
	if u.ResourceKeys != nil {
		keys, err := encodeKeys(u.ResourceKeys)
		if err != nil {
			return false, err
		}
		sets = append(sets, "resource_keys = ?")
		args = append(args, keys)
	}
	args = append(args, u.ID, u.LeaseToken)
	return s.guardedExec(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE `+leaseGuard+`;`, args...)
}

func (s *Store) ExtendLease(ctx context.Context, id, leaseToken string, expiresAt, now time.Time) (bool, error) {
	return s.guardedExec(ctx, `
		UPDATE tasks SET lease_expires_at = ?, updated_at = ? WHERE `+leaseGuard+`;
	`, toMillis(expiresAt), toMillis(now), id, leaseToken)
}

func (s *Store) ReleaseLease(ctx context.Context, id, leaseToken string, now time.Time) (bool, error) {
	return s.guardedExec(ctx, `
		UPDATE tasks SET lease_token = NULL, lease_expires_at = NULL, updated_at = ? WHERE `+leaseGuard+`;
	`, toMillis(now), id, leaseToken)
}

// CancelTasks moves every row matching f to canceled and returns the rows as
// they are after the change. A filter naming no task, room, request or key
// set is refused.
func (s *Store) CancelTasks(ctx context.Context, f queue.CancelFilter, now time.Time) ([]queue.Task, error) {
	if f.ID == "" && f.Room == "" && f.RequestID == "" && len(f.OverlapKeys) == 0 {
		return nil, fmt.Errorf("cancel tasks: %w", queue.ErrInvalidRequest)
	}
	where := []string{"1 = 1"}
	var args []any
	if f.ID != "" {
		where = append(where, "id = ?")
		args = append(args, f.ID)
	}
	if f.Room != "" {
		where = append(where, "room = ?")
		args = append(args, f.Room)
	}
	if f.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.ExcludeID != "" {
		where = append(where, "id <> ?")
		args = append(args, f.ExcludeID)
	}
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []queue.Status{queue.StatusQueued, queue.StatusRunning, queue.StatusFailed}
	}
	where = append(where, "status IN ("+placeholders(len(statuses))+")")
	args = append(args, statusArgs(statuses)...)
	if len(f.TaskNames) > 0 {
		where = append(where, "task IN ("+placeholders(len(f.TaskNames))+")")
		for _, name := range f.TaskNames {
			args = append(args, name)
		}
	}
	clause := strings.Join(where, " AND ")
	keyClause, keyArgs := keyFilter(false, f.OverlapKeys)
	clause += keyClause
	args = append(args, keyArgs...)

	var canceled []queue.Task
	err := retryOnBusy(ctx, busyRetries, func() error {
		canceled = canceled[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cancel tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE `+clause+` ORDER BY created_at ASC, id ASC;`, args...)
		if err != nil {
			return fmt.Errorf("select cancel targets: %w", err)
		}
		targets, err := scanTasks(rows)
		if err != nil {
			return fmt.Errorf("scan cancel targets: %w", err)
		}
		nowMs := toMillis(now)
		for _, t := range targets {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET status = 'canceled', lease_token = NULL, lease_expires_at = NULL, updated_at = ?
				WHERE id = ?;
			`, nowMs, t.ID); err != nil {
				return fmt.Errorf("cancel task %s: %w", t.ID, err)
			}
			t.Status = queue.StatusCanceled
			t.LeaseToken = ""
			t.LeaseExpiresAt = nil
			t.UpdatedAt = now.UTC()
			canceled = append(canceled, t)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return canceled, nil
}

// SweepExpiredLeases returns queued-lane tasks with expired leases to queued
// and clears expired direct-lane leases in place.
func (s *Store) SweepExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	nowMs := toMillis(now)
	var total int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		total = 0
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sweep tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'queued', lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE lane = 'queued' AND status = 'running'
			AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;
		`, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("sweep queued lane: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n

		res, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET lease_token = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE lane = 'direct' AND status = 'running'
			AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?;
		`, nowMs, nowMs)
		if err != nil {
			return fmt.Errorf("sweep direct lane: %w", err)
		}
		n, _ = res.RowsAffected()
		total += n
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) guardedExec(ctx context.Context, query string, args ...any) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}
