// Package config loads coordq settings from $COORDQ_HOME/config.yaml with
// environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/coordq/internal/bus"
	"github.com/basket/coordq/internal/maintenance"
	"github.com/basket/coordq/internal/otel"
	"github.com/basket/coordq/internal/scope"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `yaml:"driver"`
	// Path is the SQLite file; empty uses $COORDQ_HOME/coordq.db.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN      string `yaml:"dsn"`
	MaxConns int    `yaml:"max_conns"`
}

type QueueConfig struct {
	// MaxActivePerRoom caps queued+running tasks per room. 0 = unlimited.
	MaxActivePerRoom   int      `yaml:"max_active_per_room"`
	CoalesceTasks      []string `yaml:"coalesce_tasks"`
	LocalTaskIsolation bool     `yaml:"local_task_isolation"`
	LeaseTTLSeconds    int      `yaml:"lease_ttl_seconds"`
	LocalClaimAttempts int      `yaml:"local_claim_attempts"`
	LocalClaimBackoff  int      `yaml:"local_claim_backoff_ms"`
	// ParamSchemas maps a task name to a JSON Schema file, relative to the
	// home directory unless absolute.
	ParamSchemas map[string]string `yaml:"param_schemas"`
}

type FenceConfig struct {
	Enabled         bool `yaml:"enabled"`
	LookbackSeconds int  `yaml:"lookback_seconds"`
	Limit           int  `yaml:"limit"`
}

type LedgerConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
	// AsyncBuffer is the number of trace events held for the background
	// writer. Zero writes on the caller's goroutine.
	AsyncBuffer int `yaml:"async_buffer"`
}

type WorkerConfig struct {
	ID                 string   `yaml:"id"`
	Concurrency        int      `yaml:"concurrency"`
	PollIntervalMs     int      `yaml:"poll_interval_ms"`
	TaskTimeoutSeconds int      `yaml:"task_timeout_seconds"`
	MaxAttempts        int      `yaml:"max_attempts"`
	RetryBaseMs        int      `yaml:"retry_base_ms"`
	RetryMaxSeconds    int      `yaml:"retry_max_seconds"`
	CancelPollMs       int      `yaml:"cancel_poll_ms"`
	ResourceLocks      []string `yaml:"resource_locks"`
	// RuntimeScope enables direct-lane polling. Empty falls back to the
	// first of RuntimeScopeEnvKeys that is set.
	RuntimeScope        string   `yaml:"runtime_scope"`
	RuntimeScopeEnvKeys []string `yaml:"runtime_scope_env_keys"`
	DrainTimeoutSeconds int      `yaml:"drain_timeout_seconds"`
	// Handlers maps a task name to the argv of an external command run per
	// task.
	Handlers map[string][]string `yaml:"handlers"`
}

type MaintenanceConfig struct {
	SweepSpec     string `yaml:"sweep_spec"`
	HeartbeatSpec string `yaml:"heartbeat_spec"`
}

type NATSConfig struct {
	Enabled        bool `yaml:"enabled"`
	bus.NATSConfig `yaml:",inline"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	// Host overrides the detected hostname used for heartbeats and fencing.
	Host string `yaml:"host"`

	Store       StoreConfig       `yaml:"store"`
	Queue       QueueConfig       `yaml:"queue"`
	Fence       FenceConfig       `yaml:"host_fence"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Worker      WorkerConfig      `yaml:"worker"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	OTel        otel.Config       `yaml:"otel"`
	NATS        NATSConfig        `yaml:"nats"`
}

// LeaseTTL returns the default lease duration.
func (q QueueConfig) LeaseTTL() time.Duration {
	return time.Duration(q.LeaseTTLSeconds) * time.Second
}

func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

func (w WorkerConfig) TaskTimeout() time.Duration {
	return time.Duration(w.TaskTimeoutSeconds) * time.Second
}

func (w WorkerConfig) RetryBase() time.Duration {
	return time.Duration(w.RetryBaseMs) * time.Millisecond
}

func (w WorkerConfig) RetryMax() time.Duration {
	return time.Duration(w.RetryMaxSeconds) * time.Second
}

func (w WorkerConfig) CancelPoll() time.Duration {
	return time.Duration(w.CancelPollMs) * time.Millisecond
}

func (w WorkerConfig) DrainTimeout() time.Duration {
	return time.Duration(w.DrainTimeoutSeconds) * time.Second
}

// ResolveRuntimeScope returns the configured scope, or the first env override
// among RuntimeScopeEnvKeys (scope.DefaultEnvKeys when empty).
func (w WorkerConfig) ResolveRuntimeScope(getenv func(string) string) string {
	if s, ok := scope.NormalizeRuntimeScope(w.RuntimeScope); ok {
		return s
	}
	return scope.ResolveRuntimeScope(getenv, w.RuntimeScopeEnvKeys...)
}

// Lookback returns the heartbeat window host fencing reads.
func (f FenceConfig) Lookback() time.Duration {
	return time.Duration(f.LookbackSeconds) * time.Second
}

// DBPath resolves the SQLite file path.
func (c Config) DBPath() string {
	if c.Store.Path != "" {
		return c.resolve(c.Store.Path)
	}
	return filepath.Join(c.HomeDir, "coordq.db")
}

// SchemaPath resolves a param schema file path.
func (c Config) SchemaPath(p string) string {
	return c.resolve(p)
}

func (c Config) resolve(p string) string {
	if filepath.IsAbs(p) || c.HomeDir == "" {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that affect queue
// behavior, for logging on start and reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "driver=%s|depth=%d|coalesce=%v|isolation=%t|ledger=%t/%g|workers=%d|lease=%d|sweep=%s",
		c.Store.Driver, c.Queue.MaxActivePerRoom, c.Queue.CoalesceTasks, c.Queue.LocalTaskIsolation,
		c.Ledger.Enabled, c.Ledger.SampleRate, c.Worker.Concurrency, c.Queue.LeaseTTLSeconds, c.Maintenance.SweepSpec)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Store:    StoreConfig{Driver: DriverSQLite, MaxConns: 10},
		Queue: QueueConfig{
			LeaseTTLSeconds:    30,
			LocalClaimAttempts: 3,
			LocalClaimBackoff:  25,
		},
		Fence:  FenceConfig{Enabled: true, LookbackSeconds: 600, Limit: 50},
		Ledger: LedgerConfig{Enabled: true, SampleRate: 1, AsyncBuffer: 256},
		Worker: WorkerConfig{
			Concurrency:         4,
			PollIntervalMs:      500,
			TaskTimeoutSeconds:  600,
			MaxAttempts:         5,
			RetryBaseMs:         2000,
			RetryMaxSeconds:     300,
			CancelPollMs:        2000,
			DrainTimeoutSeconds: 10,
		},
		Maintenance: MaintenanceConfig{
			SweepSpec:     "@every 30s",
			HeartbeatSpec: "@every 10s",
		},
		NATS: NATSConfig{NATSConfig: bus.DefaultNATSConfig()},
	}
}

// HomeDir returns $COORDQ_HOME or ~/.coordq.
func HomeDir() string {
	if override := os.Getenv("COORDQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".coordq")
}

// Load reads the config from HomeDir().
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml, applies env overrides, and normalizes.
// A missing file yields defaults.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create coordq home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg, os.Getenv)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	switch cfg.Store.Driver {
	case "", "sqlite3":
		cfg.Store.Driver = DriverSQLite
	case "pg", "postgresql", "pgx":
		cfg.Store.Driver = DriverPostgres
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Queue.MaxActivePerRoom < 0 {
		cfg.Queue.MaxActivePerRoom = 0
	}
	if cfg.Queue.LeaseTTLSeconds <= 0 {
		cfg.Queue.LeaseTTLSeconds = 30
	}
	if cfg.Ledger.SampleRate < 0 {
		cfg.Ledger.SampleRate = 0
	}
	if cfg.Ledger.SampleRate > 1 {
		cfg.Ledger.SampleRate = 1
	}
	if cfg.Ledger.AsyncBuffer < 0 {
		cfg.Ledger.AsyncBuffer = 0
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.PollIntervalMs <= 0 {
		cfg.Worker.PollIntervalMs = 500
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = 5
	}
	if cfg.Fence.LookbackSeconds <= 0 {
		cfg.Fence.LookbackSeconds = 600
	}
	if cfg.Fence.Limit <= 0 {
		cfg.Fence.Limit = 50
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "coordq"
	}
}

func validate(cfg Config) error {
	switch cfg.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for driver %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown store.driver %q", cfg.Store.Driver)
	}
	for name, spec := range map[string]string{
		"maintenance.sweep_spec":     cfg.Maintenance.SweepSpec,
		"maintenance.heartbeat_spec": cfg.Maintenance.HeartbeatSpec,
	} {
		if spec == "" {
			continue
		}
		if err := maintenance.ValidateSpec(spec); err != nil {
			return fmt.Errorf("%s %q: %w", name, spec, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if raw := getenv(key); raw != "" {
			*dst = raw
		}
	}
	num := func(key string, dst *int) {
		if raw := getenv(key); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil {
				*dst = v
			}
		}
	}
	flag := func(key string, dst *bool) {
		if raw := getenv(key); raw != "" {
			if v, err := strconv.ParseBool(raw); err == nil {
				*dst = v
			}
		}
	}

	str("COORDQ_LOG_LEVEL", &cfg.LogLevel)
	str("COORDQ_HOST", &cfg.Host)
	str("COORDQ_STORE_DRIVER", &cfg.Store.Driver)
	str("COORDQ_DB_PATH", &cfg.Store.Path)
	str("COORDQ_DATABASE_URL", &cfg.Store.DSN)
	num("COORDQ_MAX_ACTIVE_PER_ROOM", &cfg.Queue.MaxActivePerRoom)
	flag("COORDQ_LOCAL_TASK_ISOLATION", &cfg.Queue.LocalTaskIsolation)
	if raw := getenv("COORDQ_COALESCE_TASKS"); raw != "" {
		cfg.Queue.CoalesceTasks = splitList(raw)
	}
	flag("COORDQ_LEDGER_ENABLED", &cfg.Ledger.Enabled)
	if raw := getenv("COORDQ_LEDGER_SAMPLE_RATE"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.Ledger.SampleRate = v
		}
	}
	num("COORDQ_LEDGER_ASYNC_BUFFER", &cfg.Ledger.AsyncBuffer)
	str("COORDQ_WORKER_ID", &cfg.Worker.ID)
	num("COORDQ_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	num("COORDQ_MAX_ATTEMPTS", &cfg.Worker.MaxAttempts)
	str("COORDQ_SWEEP_SPEC", &cfg.Maintenance.SweepSpec)
	flag("COORDQ_OTEL_ENABLED", &cfg.OTel.Enabled)
	str("COORDQ_OTEL_ENDPOINT", &cfg.OTel.Endpoint)
	flag("COORDQ_NATS_ENABLED", &cfg.NATS.Enabled)
	str("COORDQ_NATS_URL", &cfg.NATS.URL)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
