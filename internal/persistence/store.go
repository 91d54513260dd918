// Package persistence is the SQLite backing store for the queue, the trace
// ledger and the heartbeat registry.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

type migration struct {
	version    int
	checksum   string
	statements []string
}

// Schema history. Version 2 adds the optional trace columns; a store opened
// at version 1 behaves like a node that has not run that migration yet.
var migrations = []migration{
	{
		version:  1,
		checksum: "cq-v1-2026-09-02-tasks-trace-heartbeats",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				room TEXT NOT NULL,
				task TEXT NOT NULL,
				params TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL CHECK(status IN ('queued', 'running', 'succeeded', 'failed', 'canceled')),
				lane TEXT NOT NULL DEFAULT 'queued' CHECK(lane IN ('queued', 'direct')),
				priority INTEGER NOT NULL DEFAULT 0,
				run_at INTEGER,
				attempt INTEGER NOT NULL DEFAULT 0,
				error TEXT,
				request_id TEXT,
				dedupe_key TEXT,
				resource_keys TEXT NOT NULL DEFAULT '[]',
				lease_token TEXT,
				lease_expires_at INTEGER,
				result TEXT,
				trace_id TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_active_request
				ON tasks(room, task, request_id)
				WHERE request_id IS NOT NULL AND status IN ('queued', 'running');`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(lane, status, priority DESC, created_at ASC);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_room_status ON tasks(room, status, created_at);`,
			`CREATE TABLE IF NOT EXISTS task_trace_events (
				id TEXT PRIMARY KEY,
				stage TEXT NOT NULL,
				status TEXT,
				trace_id TEXT,
				request_id TEXT,
				intent_id TEXT,
				task_id TEXT,
				room TEXT,
				task TEXT,
				attempt INTEGER NOT NULL DEFAULT 0,
				latency_ms INTEGER,
				payload TEXT NOT NULL DEFAULT '{}',
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_trace_events_task ON task_trace_events(task_id, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_trace_events_trace ON task_trace_events(trace_id);`,
			`CREATE TABLE IF NOT EXISTS worker_heartbeats (
				worker_id TEXT PRIMARY KEY,
				host TEXT NOT NULL,
				pid INTEGER NOT NULL DEFAULT 0,
				version TEXT,
				active_tasks INTEGER NOT NULL DEFAULT 0,
				queue_lag_ms INTEGER,
				updated_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_worker_heartbeats_updated ON worker_heartbeats(updated_at DESC);`,
		},
	},
	{
		version:  2,
		checksum: "cq-v2-2026-09-20-trace-parity-columns",
		statements: []string{
			`ALTER TABLE task_trace_events ADD COLUMN sampled INTEGER;`,
			`ALTER TABLE task_trace_events ADD COLUMN provider TEXT;`,
			`ALTER TABLE task_trace_events ADD COLUMN model TEXT;`,
			`ALTER TABLE task_trace_events ADD COLUMN provider_source TEXT;`,
			`ALTER TABLE task_trace_events ADD COLUMN model_source TEXT;`,
		},
	},
}

// SchemaVersionLatest is the newest schema this build can open.
var SchemaVersionLatest = migrations[len(migrations)-1].version

// Store is the SQLite implementation of queue.Store, ledger.Writer and
// heartbeat.Store.
type Store struct {
	db            *sql.DB
	schemaVersion int
}

// OpenOption customizes Open.
type OpenOption func(*openConfig)

type openConfig struct {
	schemaVersion int
}

// WithSchemaVersion stops migrations at version. Used to run against an older
// schema during rolling upgrades and in tests.
func WithSchemaVersion(version int) OpenOption {
	return func(c *openConfig) { c.schemaVersion = version }
}

// DefaultDBPath is $COORDQ_HOME/coordq.db, falling back to ~/.coordq.
func DefaultDBPath() string {
	if home := os.Getenv("COORDQ_HOME"); home != "" {
		return filepath.Join(home, "coordq.db")
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".coordq", "coordq.db")
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string, opts ...OpenOption) (*Store, error) {
	cfg := openConfig{schemaVersion: SchemaVersionLatest}
	for _, opt := range opts {
		opt(&cfg)
	}
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, schemaVersion: cfg.schemaVersion}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background(), cfg.schemaVersion); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the handle for diagnostics and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SchemaVersion is the version the store was opened at.
func (s *Store) SchemaVersion() int {
	return s.schemaVersion
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context, target int) error {
	if target < 1 || target > SchemaVersionLatest {
		return fmt.Errorf("unsupported target schema version %d", target)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > SchemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, SchemaVersionLatest)
	}

	for _, m := range migrations {
		if m.version <= maxVersion {
			var existing string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, m.version).Scan(&existing); err != nil {
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
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, checksum) VALUES(?, ?);`, m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	if maxVersion > target {
		s.schemaVersion = maxVersion
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
