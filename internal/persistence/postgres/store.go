// Package postgres is the shared-database backend: the same queue, trace
// ledger and heartbeat contracts as the SQLite store, over a pgx pool so
// workers on many hosts can coordinate.
package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "cq-pg-v1-2026-09-02-tasks-trace-heartbeats",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id               TEXT PRIMARY KEY,
				room             TEXT NOT NULL,
				task             TEXT NOT NULL,
				params           JSONB NOT NULL DEFAULT '{}'::jsonb,
				status           TEXT NOT NULL CHECK (status IN ('queued', 'running', 'succeeded', 'failed', 'canceled')),
				lane             TEXT NOT NULL DEFAULT 'queued' CHECK (lane IN ('queued', 'direct')),
				priority         INTEGER NOT NULL DEFAULT 0,
				run_at           TIMESTAMPTZ,
				attempt          INTEGER NOT NULL DEFAULT 0,
				error            TEXT,
				request_id       TEXT,
				dedupe_key       TEXT,
				resource_keys    TEXT[] NOT NULL DEFAULT '{}',
				lease_token      TEXT,
				lease_expires_at TIMESTAMPTZ,
				result           JSONB,
				trace_id         TEXT,
				created_at       TIMESTAMPTZ NOT NULL,
				updated_at       TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_request
				ON tasks (room, task, request_id)
				WHERE request_id IS NOT NULL AND status IN ('queued', 'running')`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (lane, status, priority DESC, created_at ASC)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_room_status ON tasks (room, status, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_resource_keys ON tasks USING GIN (resource_keys)`,
			`CREATE TABLE IF NOT EXISTS task_trace_events (
				id         TEXT PRIMARY KEY,
				stage      TEXT NOT NULL,
				status     TEXT,
				trace_id   TEXT,
				request_id TEXT,
				intent_id  TEXT,
				task_id    TEXT,
				room       TEXT,
				task       TEXT,
				attempt    INTEGER NOT NULL DEFAULT 0,
				latency_ms BIGINT,
				payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_trace_events_task ON task_trace_events (task_id, created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_trace_events_trace ON task_trace_events (trace_id)`,
			`CREATE TABLE IF NOT EXISTS worker_heartbeats (
				worker_id    TEXT PRIMARY KEY,
				host         TEXT NOT NULL,
				pid          INTEGER NOT NULL DEFAULT 0,
				version      TEXT,
				active_tasks INTEGER NOT NULL DEFAULT 0,
				queue_lag_ms BIGINT,
				updated_at   TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_worker_heartbeats_updated ON worker_heartbeats (updated_at DESC)`,
		},
	},
	{
		version:  2,
		checksum: "cq-pg-v2-2026-09-20-trace-parity-columns",
		statements: []string{
			`ALTER TABLE task_trace_events ADD COLUMN IF NOT EXISTS sampled BOOLEAN`,
			`ALTER TABLE task_trace_events ADD COLUMN IF NOT EXISTS provider TEXT`,
			`ALTER TABLE task_trace_events ADD COLUMN IF NOT EXISTS model TEXT`,
			`ALTER TABLE task_trace_events ADD COLUMN IF NOT EXISTS provider_source TEXT`,
			`ALTER TABLE task_trace_events ADD COLUMN IF NOT EXISTS model_source TEXT`,
		},
	},
}

// SchemaVersionLatest is the newest schema this build can open.
var SchemaVersionLatest = migrations[len(migrations)-1].version

// Store implements queue.Store, ledger.Writer, ledger.Reader and
// heartbeat.Store over Postgres.
type Store struct {
	pool          *pgxpool.Pool
	schemaVersion int
}

// Option customizes Open.
type Option func(*options)

type options struct {
	schemaVersion int
	maxConns      int32
}

// WithSchemaVersion stops migrations at version.
func WithSchemaVersion(version int) Option {
	return func(o *options) { o.schemaVersion = version }
}

// WithMaxConns caps the pool size.
func WithMaxConns(n int32) Option {
	return func(o *options) { o.maxConns = n }
}

// Open connects to databaseURL, pings, and applies pending migrations.
func Open(ctx context.Context, databaseURL string, opts ...Option) (*Store, error) {
	o := options{schemaVersion: SchemaVersionLatest}
	for _, opt := range opts {
		opt(&o)
	}
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	s := &Store{pool: pool, schemaVersion: o.schemaVersion}
	if err := s.migrate(ctx, o.schemaVersion); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// SchemaVersion is the version the store was opened at.
func (s *Store) SchemaVersion() int { return s.schemaVersion }

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) migrate(ctx context.Context, target int) error {
	if target < 1 || target > SchemaVersionLatest {
		return fmt.Errorf("unsupported target schema version %d", target)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serializes concurrent migrators across processes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('coordq_schema_migrations'))`); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > SchemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, SchemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE version = $1`, m.version).Scan(&existing); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existing != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, existing, m.checksum)
			}
			continue
		}
		if m.version > target {
			break
		}
		for _, stmt := range m.statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2)`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	if maxVersion > target {
		s.schemaVersion = maxVersion
	}
	return nil
}

// argList numbers positional parameters as they are added.
type argList struct {
	vals []any
}

func (a *argList) add(v any) string {
	a.vals = append(a.vals, v)
	return "$" + strconv.Itoa(len(a.vals))
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
