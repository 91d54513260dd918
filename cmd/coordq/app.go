package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/basket/coordq/internal/bus"
	"github.com/basket/coordq/internal/config"
	"github.com/basket/coordq/internal/heartbeat"
	"github.com/basket/coordq/internal/ledger"
	"github.com/basket/coordq/internal/otel"
	"github.com/basket/coordq/internal/persistence"
	"github.com/basket/coordq/internal/persistence/postgres"
	"github.com/basket/coordq/internal/queue"
	"github.com/basket/coordq/internal/telemetry"
)

// backend is what both store drivers provide.
type backend interface {
	queue.Store
	ledger.Writer
	ledger.Reader
	heartbeat.Store
}

// app is the wired runtime shared by every subcommand.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	host       string
	store      backend
	client     *queue.Client
	recorder   *ledger.Recorder
	heartbeats *heartbeat.Registry
	bus        *bus.Bus
	metrics    *otel.Metrics
	provider   *otel.Provider

	closers []func(context.Context)
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("config load: %w", err)
	}
	return cfg, nil
}

// openApp connects the configured store and builds the queue client with its
// ledger, fence, bus and instruments.
func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = telemetry.NewWriterLogger(stderr, "warn")
	}
	a := &app{cfg: cfg, logger: logger}

	provider, err := otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("otel init: %w", err)
	}
	a.provider = provider
	a.closers = append(a.closers, func(ctx context.Context) {
		if err := provider.Shutdown(ctx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	})
	a.metrics, err = otel.NewMetrics(provider.Meter)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	store, closeStore, err := openBackend(ctx, cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func(context.Context) { closeStore() })

	a.host = cfg.Host
	if a.host == "" {
		a.host = heartbeat.LocalHost()
	}
	a.heartbeats = heartbeat.NewRegistry(store,
		heartbeat.WithHost(a.host),
		heartbeat.WithLogger(telemetry.Component(logger, "heartbeat")),
	)
	a.recorder = ledger.NewRecorder(store, ledgerConfig(cfg),
		ledger.WithLogger(telemetry.Component(logger, "ledger")),
		ledger.WithMetrics(a.metrics),
		ledger.WithAsync(cfg.Ledger.AsyncBuffer),
	)
	a.closers = append(a.closers, func(ctx context.Context) {
		if err := a.recorder.Close(ctx); err != nil {
			logger.Warn("trace ledger flush incomplete", "error", err)
		}
	})
	a.bus = bus.New()

	schemas, err := loadSchemas(cfg)
	if err != nil {
		a.close()
		return nil, err
	}

	opts := []queue.Option{
		queue.WithLedger(a.recorder),
		queue.WithBus(a.bus),
		queue.WithMetrics(a.metrics),
		queue.WithTracer(provider.Tracer),
		queue.WithSchemas(schemas),
		queue.WithLogger(telemetry.Component(logger, "queue")),
	}
	if cfg.Fence.Enabled {
		opts = append(opts, queue.WithHostFence(&queue.HostFence{
			Hosts:    a.heartbeats,
			SelfHost: a.host,
			Lookback: cfg.Fence.Lookback(),
			Limit:    cfg.Fence.Limit,
			Logger:   telemetry.Component(logger, "fence"),
		}))
	}
	a.client = queue.New(store, queueConfig(cfg, a.host), opts...)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

func openBackend(ctx context.Context, cfg config.Config) (backend, func(), error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		var opts []postgres.Option
		if cfg.Store.MaxConns > 0 {
			opts = append(opts, postgres.WithMaxConns(int32(cfg.Store.MaxConns)))
		}
		store, err := postgres.Open(ctx, cfg.Store.DSN, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		store, err := persistence.Open(cfg.DBPath())
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}

func queueConfig(cfg config.Config, host string) queue.Config {
	return queue.Config{
		MaxActivePerRoom:      cfg.Queue.MaxActivePerRoom,
		CoalesceTasks:         cfg.Queue.CoalesceTasks,
		LocalTaskIsolation:    cfg.Queue.LocalTaskIsolation,
		Host:                  host,
		DefaultLeaseTTL:       cfg.Queue.LeaseTTL(),
		LocalClaimMaxAttempts: cfg.Queue.LocalClaimAttempts,
		LocalClaimBackoff:     time.Duration(cfg.Queue.LocalClaimBackoff) * time.Millisecond,
	}
}

func ledgerConfig(cfg config.Config) ledger.Config {
	return ledger.Config{Enabled: cfg.Ledger.Enabled, SampleRate: cfg.Ledger.SampleRate}
}

// loadSchemas reads the configured param schema files. A nil registry skips
// validation.
func loadSchemas(cfg config.Config) (*queue.SchemaRegistry, error) {
	if len(cfg.Queue.ParamSchemas) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(cfg.Queue.ParamSchemas))
	for name := range cfg.Queue.ParamSchemas {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := queue.NewSchemaRegistry()
	for _, name := range names {
		path := cfg.SchemaPath(cfg.Queue.ParamSchemas[name])
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read schema for %s: %w", name, err)
		}
		if err := reg.Register(name, data); err != nil {
			return nil, fmt.Errorf("register schema for %s: %w", name, err)
		}
	}
	return reg, nil
}

// schemaFiles lists the schema paths the config watcher should follow.
func schemaFiles(cfg config.Config) []string {
	var out []string
	for _, p := range cfg.Queue.ParamSchemas {
		out = append(out, cfg.SchemaPath(p))
	}
	sort.Strings(out)
	return out
}
