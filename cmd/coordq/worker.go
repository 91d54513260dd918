package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/basket/coordq/internal/bus"
	"github.com/basket/coordq/internal/config"
	"github.com/basket/coordq/internal/maintenance"
	"github.com/basket/coordq/internal/telemetry"
	"github.com/basket/coordq/internal/worker"
)

func runWorkerCommand(ctx context.Context, args []string) int {
	fs := newFlagSet("worker")
	id := fs.String("id", "", "worker id (default from config or hostname-pid)")
	concurrency := fs.Int("concurrency", 0, "max concurrent tasks (default from config)")
	runtimeScope := fs.String("scope", "", "runtime scope to poll on the direct lane")
	quiet := fs.Bool("quiet", false, "log to file only")
	var handlers stringList
	fs.Var(&handlers, "handler", "task=command handler mapping (repeatable); the command is split on spaces")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, "usage: coordq worker [-id id] [-concurrency n] [-scope scope] [-handler task=cmd]")
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		return fail("%v", err)
	}
	if *id != "" {
		cfg.Worker.ID = *id
	}
	if *concurrency > 0 {
		cfg.Worker.Concurrency = *concurrency
	}
	if *runtimeScope != "" {
		cfg.Worker.RuntimeScope = *runtimeScope
	}
	for _, h := range handlers {
		name, cmd, ok := strings.Cut(h, "=")
		argv := strings.Fields(cmd)
		if !ok || strings.TrimSpace(name) == "" || len(argv) == 0 {
			return fail("handler %q: want task=command", h)
		}
		if cfg.Worker.Handlers == nil {
			cfg.Worker.Handlers = map[string][]string{}
		}
		cfg.Worker.Handlers[strings.TrimSpace(name)] = argv
	}
	if len(cfg.Worker.Handlers) == 0 {
		return fail("no handlers configured: set worker.handlers in config.yaml or pass -handler")
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *quiet)
	if err != nil {
		return fail("logger init: %v", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.close()

	runner := worker.New(a.client, workerConfig(cfg, a.host),
		worker.WithHeartbeats(a.heartbeats),
		worker.WithMetrics(a.metrics),
		worker.WithLogger(telemetry.Component(logger, "worker")),
		worker.WithTracer(a.provider.Tracer),
	)
	names := make([]string, 0, len(cfg.Worker.Handlers))
	for name, argv := range cfg.Worker.Handlers {
		runner.Register(name, worker.ExecHandler{Command: argv, Dir: cfg.HomeDir})
		names = append(names, name)
	}
	sort.Strings(names)

	sched := maintenance.NewScheduler(telemetry.Component(logger, "maintenance"))
	if err := sched.Add(maintenance.JobSweepLeases, cfg.Maintenance.SweepSpec, maintenance.SweepJob(a.client, telemetry.Component(logger, "sweeper"))); err != nil {
		return fail("schedule sweeper: %v", err)
	}
	if err := sched.Add(maintenance.JobHeartbeat, cfg.Maintenance.HeartbeatSpec, maintenance.HeartbeatJob(runner)); err != nil {
		return fail("schedule heartbeat: %v", err)
	}

	logger.Info("worker starting",
		"worker_id", runner.WorkerID(),
		"host", a.host,
		"store", cfg.Store.Driver,
		"handlers", names,
		"config_fingerprint", cfg.Fingerprint(),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// Initial heartbeat so fencing peers see this host before the first tick.
	runner.Beat(gctx)
	sched.Start(gctx)
	defer sched.Stop()
	for _, st := range sched.Status() {
		logger.Debug("maintenance job scheduled", "job", st.Name, "spec", st.Spec, "next_run_at", st.NextRunAt)
	}

	if cfg.NATS.Enabled {
		conn, err := bus.ConnectNATS(cfg.NATS.NATSConfig)
		if err != nil {
			return fail("nats connect: %v", err)
		}
		defer conn.Close()
		bridge := bus.NewNATSBridge(a.bus, conn, cfg.NATS.SubjectPrefix, telemetry.Component(logger, "nats"))
		g.Go(func() error { return bridge.Run(gctx) })
	}

	watcher := config.NewWatcher(cfg.HomeDir, telemetry.Component(logger, "config"), schemaFiles(cfg)...)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		g.Go(func() error {
			for range watcher.Events() {
				reloadSettings(a, logger)
			}
			return nil
		})
	}

	g.Go(func() error {
		err := runner.Run(gctx)
		cancel()
		return err
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err = <-done:
	case <-ctx.Done():
		drain := cfg.Worker.DrainTimeout()
		if drain <= 0 {
			err = <-done
			break
		}
		select {
		case err = <-done:
		case <-time.After(drain):
			logger.Warn("drain timeout exceeded, exiting with tasks in flight", "timeout", drain)
			return 1
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	logger.Info("worker stopped", "worker_id", runner.WorkerID(), "maintenance", sched.Status())
	return 0
}

func workerConfig(cfg config.Config, host string) worker.Config {
	return worker.Config{
		WorkerID:           cfg.Worker.ID,
		Concurrency:        cfg.Worker.Concurrency,
		PollInterval:       cfg.Worker.PollInterval(),
		LeaseTTL:           cfg.Queue.LeaseTTL(),
		CancelPollInterval: cfg.Worker.CancelPoll(),
		TaskTimeout:        cfg.Worker.TaskTimeout(),
		MaxAttempts:        cfg.Worker.MaxAttempts,
		RetryBaseDelay:     cfg.Worker.RetryBase(),
		RetryMaxDelay:      cfg.Worker.RetryMax(),
		ResourceLocks:      cfg.Worker.ResourceLocks,
		RuntimeScope:       cfg.Worker.ResolveRuntimeScope(os.Getenv),
		Host:               host,
		Version:            Version,
	}
}

// reloadSettings applies the hot-reloadable subset of config.yaml: room
// limits, coalescing task names and ledger sampling. Store, worker and
// schema settings need a restart.
func reloadSettings(a *app, logger *slog.Logger) {
	next, err := config.LoadFrom(a.cfg.HomeDir)
	if err != nil {
		logger.Warn("config reload rejected", "error", err)
		return
	}
	a.client.SetMaxActivePerRoom(next.Queue.MaxActivePerRoom)
	a.client.SetCoalesceTasks(next.Queue.CoalesceTasks)
	a.recorder.Configure(ledgerConfig(next))
	if next.Fingerprint() != a.cfg.Fingerprint() {
		logger.Info("config reloaded", "config_fingerprint", next.Fingerprint())
	}
	a.cfg.Queue.MaxActivePerRoom = next.Queue.MaxActivePerRoom
	a.cfg.Queue.CoalesceTasks = next.Queue.CoalesceTasks
	a.cfg.Ledger = next.Ledger
}
