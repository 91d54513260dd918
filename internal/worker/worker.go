// Package worker executes queued tasks: it polls both claim lanes, runs the
// handler registered for each task name, keeps leases alive while handlers
// run, observes cancellation cooperatively and schedules retries.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/basket/coordq/internal/heartbeat"
	"github.com/basket/coordq/internal/otel"
	"github.com/basket/coordq/internal/queue"
	"github.com/basket/coordq/internal/shared"
	"github.com/basket/coordq/internal/storeerr"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = 500 * time.Millisecond
	defaultLeaseTTL     = 30 * time.Second
	defaultCancelPoll   = 2 * time.Second
	defaultTaskTimeout  = 10 * time.Minute
	defaultMaxAttempts  = 5
)

// Handler executes one task. The returned value is stored as the task result.
type Handler interface {
	Process(ctx context.Context, task queue.Task) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task queue.Task) (any, error)

// Process calls f.
func (f HandlerFunc) Process(ctx context.Context, task queue.Task) (any, error) {
	return f(ctx, task)
}

// Config holds the runner's tunables. Zero values take defaults.
type Config struct {
	WorkerID     string
	Concurrency  int
	PollInterval time.Duration
	LeaseTTL     time.Duration
	// ExtendInterval is how often a running task's lease is extended; it
	// defaults to a third of LeaseTTL.
	ExtendInterval     time.Duration
	CancelPollInterval time.Duration
	TaskTimeout        time.Duration
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	// ResourceLocks restricts queued-lane claims to tasks carrying one of
	// these keys.
	ResourceLocks []string
	// RuntimeScope, when set, also polls the direct lane for that scope.
	RuntimeScope string
	Host         string
	// HeartbeatInterval drives an internal heartbeat loop when a registry is
	// attached. Zero leaves heartbeats to the caller through Beat.
	HeartbeatInterval time.Duration
	Version           string
}

func (cfg Config) normalize() Config {
	if strings.TrimSpace(cfg.WorkerID) == "" {
		host, _ := os.Hostname()
		cfg.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.ExtendInterval <= 0 || cfg.ExtendInterval >= cfg.LeaseTTL {
		cfg.ExtendInterval = cfg.LeaseTTL / 3
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = defaultCancelPoll
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return cfg
}

// Status is a point-in-time view of the runner.
type Status struct {
	WorkerID    string `json:"worker_id"`
	Concurrency int    `json:"concurrency"`
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

// Runner polls the queue and dispatches claimed tasks to handlers.
type Runner struct {
	client     *queue.Client
	heartbeats *heartbeat.Registry
	metrics    *otel.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	cfg        Config

	mu       sync.RWMutex
	handlers map[string]Handler

	activeTasks atomic.Int32
	queueLagMs  atomic.Int64
	lastError   atomic.Pointer[string]
}

// Option customizes a Runner.
type Option func(*Runner)

// WithHeartbeats records liveness through reg.
func WithHeartbeats(reg *heartbeat.Registry) Option { return func(r *Runner) { r.heartbeats = reg } }

// WithMetrics sets the metric instruments.
func WithMetrics(m *otel.Metrics) Option { return func(r *Runner) { r.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Runner) { r.logger = l } }

// WithTracer sets the tracer for task execution spans.
func WithTracer(t trace.Tracer) Option { return func(r *Runner) { r.tracer = t } }

// New builds a Runner over client.
func New(client *queue.Client, cfg Config, opts ...Option) *Runner {
	r := &Runner{
		client:   client,
		cfg:      cfg.normalize(),
		handlers: map[string]Handler{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = otel.NoopMetrics()
	}
	r.logger = r.logger.With("worker_id", r.cfg.WorkerID)
	return r
}

// Register binds h to a task name, replacing any previous handler.
func (r *Runner) Register(task string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[task] = h
}

// RegisterFunc binds a function handler to a task name.
func (r *Runner) RegisterFunc(task string, fn func(ctx context.Context, task queue.Task) (any, error)) {
	r.Register(task, HandlerFunc(fn))
}

func (r *Runner) handler(task string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[task]
	return h, ok
}

// WorkerID returns the id used for heartbeats and logs.
func (r *Runner) WorkerID() string { return r.cfg.WorkerID }

// Status reports the runner's current load.
func (r *Runner) Status() Status {
	s := Status{
		WorkerID:    r.cfg.WorkerID,
		Concurrency: r.cfg.Concurrency,
		ActiveTasks: r.activeTasks.Load(),
	}
	if p := r.lastError.Load(); p != nil {
		s.LastError = *p
	}
	return s
}

// Run polls until ctx is canceled, then waits for in-flight tasks. Tasks
// interrupted by shutdown have their leases released so another worker can
// reclaim them immediately.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	slots := make(chan struct{}, r.cfg.Concurrency)

	if r.heartbeats != nil && r.cfg.HeartbeatInterval > 0 {
		g.Go(func() error {
			r.heartbeatLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(r.cfg.PollInterval)
		defer ticker.Stop()
		for {
			for r.pollOnce(gctx, g, slots) > 0 {
				if gctx.Err() != nil {
					break
				}
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// pollOnce claims up to the free slot count from each configured lane and
// starts a goroutine per task. It returns the number of tasks claimed.
func (r *Runner) pollOnce(ctx context.Context, g *errgroup.Group, slots chan struct{}) int {
	claimed := 0
	for _, lane := range r.lanes() {
		free := cap(slots) - len(slots)
		if free <= 0 || ctx.Err() != nil {
			return claimed
		}
		res, err := r.claim(ctx, lane, free)
		if err != nil {
			if ctx.Err() == nil {
				r.recordError(err)
				if storeerr.IsUnavailable(err) {
					r.logger.Warn("store unavailable, claim retried next poll", "lane", string(lane), "error", err)
				} else {
					r.logger.Error("claim failed", "lane", string(lane), "error", err)
				}
			}
			continue
		}
		r.observeLag(res.Tasks)
		for _, task := range res.Tasks {
			slots <- struct{}{}
			claimed++
			token := res.LeaseToken
			g.Go(func() error {
				defer func() { <-slots }()
				r.handleTask(ctx, task, token)
				return nil
			})
		}
	}
	return claimed
}

func (r *Runner) lanes() []queue.Lane {
	if r.cfg.RuntimeScope != "" {
		return []queue.Lane{queue.LaneDirect, queue.LaneQueued}
	}
	return []queue.Lane{queue.LaneQueued}
}

func (r *Runner) claim(ctx context.Context, lane queue.Lane, limit int) (queue.ClaimResult, error) {
	if lane == queue.LaneDirect {
		return r.client.ClaimLocalScope(ctx, queue.LocalClaimRequest{
			Limit:        limit,
			LeaseTTL:     r.cfg.LeaseTTL,
			RuntimeScope: r.cfg.RuntimeScope,
			Host:         r.cfg.Host,
		})
	}
	return r.client.Claim(ctx, queue.ClaimRequest{
		Limit:         limit,
		LeaseTTL:      r.cfg.LeaseTTL,
		ResourceLocks: r.cfg.ResourceLocks,
		Host:          r.cfg.Host,
	})
}

func (r *Runner) observeLag(tasks []queue.Task) {
	var lag int64
	now := time.Now()
	for _, t := range tasks {
		ready := t.CreatedAt
		if t.RunAt != nil && t.RunAt.After(ready) {
			ready = *t.RunAt
		}
		if d := now.Sub(ready).Milliseconds(); d > lag {
			lag = d
		}
	}
	if len(tasks) > 0 {
		r.queueLagMs.Store(lag)
	}
}

// stopReason records why a task's context ended before its handler returned.
type stopReason int32

const (
	stopNone stopReason = iota
	stopCanceled
	stopLeaseLost
)

func (r *Runner) handleTask(parent context.Context, task queue.Task, token string) {
	ctx := shared.WithTraceID(parent, task.TraceID)
	ctx = shared.WithTaskID(ctx, task.ID)
	ctx = shared.WithRequestID(ctx, task.RequestID)
	ctx = shared.WithWorkerID(ctx, r.cfg.WorkerID)
	logger := r.logger.With(
		"task_id", shared.TaskID(ctx),
		"task", task.Task,
		"room", task.Room,
		"trace_id", shared.TraceID(ctx),
		"request_id", shared.RequestID(ctx),
	)

	ctx, span := otel.StartConsumerSpan(ctx, r.tracer, "worker.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrTaskName.String(task.Task),
		otel.AttrRoom.String(task.Room),
		otel.AttrLane.String(string(task.Lane)),
		otel.AttrWorkerID.String(r.cfg.WorkerID),
	)
	defer span.End()

	attrs := metric.WithAttributes(otel.AttrTaskName.String(task.Task), otel.AttrWorkerID.String(r.cfg.WorkerID))
	r.activeTasks.Add(1)
	r.metrics.ActiveTasks.Add(ctx, 1, attrs)
	defer func() {
		r.activeTasks.Add(-1)
		r.metrics.ActiveTasks.Add(context.WithoutCancel(ctx), -1, attrs)
	}()

	// Store writes after the handler must land even when shutdown has begun.
	writeCtx := context.WithoutCancel(ctx)

	h, ok := r.handler(task.Task)
	if !ok {
		logger.Warn("no handler registered, failing task")
		span.SetStatus(codes.Error, "no handler registered")
		r.fail(writeCtx, logger, task, token, fmt.Sprintf("no handler registered for task %q", task.Task), false)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, r.cfg.TaskTimeout)
	defer cancel()

	var reason atomic.Int32
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		r.watchLease(taskCtx, cancel, &reason, task, token, logger)
	}()

	start := time.Now()
	result, err := safeProcess(taskCtx, h, task)
	cancel()
	<-watchDone
	elapsed := time.Since(start).Seconds()

	switch {
	case stopReason(reason.Load()) == stopCanceled:
		r.recordDuration(ctx, elapsed, task, "canceled")
		logger.Info("task canceled while running")
		return
	case stopReason(reason.Load()) == stopLeaseLost:
		r.recordDuration(ctx, elapsed, task, "lease_lost")
		logger.Warn("lease lost while running, abandoning result")
		return
	case parent.Err() != nil:
		r.recordDuration(ctx, elapsed, task, "interrupted")
		if _, relErr := r.client.ReleaseLease(writeCtx, task.ID, token); relErr != nil {
			logger.Error("release lease on shutdown failed", "error", relErr)
		}
		logger.Info("task interrupted by shutdown, lease released")
		return
	}

	if err == nil {
		r.recordDuration(ctx, elapsed, task, "succeeded")
		ok, cErr := r.client.Complete(writeCtx, task.ID, token, result)
		if cErr != nil {
			r.recordError(cErr)
			logger.Error("complete failed", "error", cErr)
			return
		}
		if !ok {
			logger.Warn("complete skipped, lease no longer held")
			return
		}
		logger.Info("task succeeded", "duration_s", elapsed)
		return
	}

	var rq *RequeueError
	if errors.As(err, &rq) {
		r.recordDuration(ctx, elapsed, task, "requeued")
		r.requeue(writeCtx, logger, task, token, rq)
		return
	}

	r.recordDuration(ctx, elapsed, task, "failed")
	retryable := !IsPermanent(err) && task.Attempt+1 < r.cfg.MaxAttempts
	r.fail(writeCtx, logger, task, token, err.Error(), retryable)
}

// watchLease extends the lease and polls for cancellation until ctx ends.
func (r *Runner) watchLease(ctx context.Context, cancel context.CancelFunc, reason *atomic.Int32, task queue.Task, token string, logger *slog.Logger) {
	extend := time.NewTicker(r.cfg.ExtendInterval)
	defer extend.Stop()
	poll := time.NewTicker(r.cfg.CancelPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-extend.C:
			ok, err := r.client.ExtendLease(ctx, task.ID, token, r.cfg.LeaseTTL)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("lease extension failed", "error", err)
				}
				continue
			}
			if !ok {
				if r.cancelObserved(ctx, task.ID) {
					reason.Store(int32(stopCanceled))
				} else {
					reason.Store(int32(stopLeaseLost))
				}
				cancel()
				return
			}
		case <-poll.C:
			current, err := r.client.GetTask(ctx, task.ID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Debug("cancel poll failed", "error", err)
				}
				continue
			}
			switch {
			case current.Status == queue.StatusCanceled:
				reason.Store(int32(stopCanceled))
				cancel()
				return
			case current.LeaseToken != token:
				reason.Store(int32(stopLeaseLost))
				cancel()
				return
			}
		}
	}
}

func (r *Runner) cancelObserved(ctx context.Context, id string) bool {
	current, err := r.client.GetTask(ctx, id)
	return err == nil && current.Status == queue.StatusCanceled
}

func (r *Runner) fail(ctx context.Context, logger *slog.Logger, task queue.Task, token, msg string, retry bool) {
	req := queue.FailRequest{TaskID: task.ID, LeaseToken: token, Error: msg}
	if retry {
		at := time.Now().UTC().Add(retryDelay(task.ID, task.Attempt+1, r.cfg.RetryBaseDelay, r.cfg.RetryMaxDelay))
		req.RetryAt = &at
		req.KeepInRunningLane = task.Lane == queue.LaneDirect
	}
	ok, err := r.client.Fail(ctx, req)
	if err != nil {
		r.recordError(err)
		logger.Error("fail write failed", "error", err)
		return
	}
	if !ok {
		logger.Warn("fail skipped, lease no longer held")
		return
	}
	if retry {
		logger.Warn("task failed, retry scheduled", "error", msg, "attempt", task.Attempt+1, "retry_at", req.RetryAt)
		return
	}
	logger.Error("task failed", "error", msg, "attempt", task.Attempt+1)
}

func (r *Runner) requeue(ctx context.Context, logger *slog.Logger, task queue.Task, token string, rq *RequeueError) {
	req := queue.RequeueRequest{TaskID: task.ID, LeaseToken: token, Params: rq.Params}
	if rq.After > 0 {
		at := time.Now().UTC().Add(rq.After)
		req.RunAt = &at
	}
	if rq.Reason != "" {
		reason := rq.Reason
		req.Error = &reason
	}
	ok, err := r.client.Requeue(ctx, req)
	if err != nil {
		r.recordError(err)
		logger.Error("requeue failed", "error", err)
		return
	}
	if !ok {
		logger.Warn("requeue skipped, lease no longer held")
		return
	}
	logger.Info("task requeued", "after", rq.After)
}

func (r *Runner) recordDuration(ctx context.Context, seconds float64, task queue.Task, outcome string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	if outcome == "failed" {
		span.SetStatus(codes.Error, outcome)
	}
	r.metrics.TaskDuration.Record(context.WithoutCancel(ctx), seconds, metric.WithAttributes(
		otel.AttrTaskName.String(task.Task),
		otel.AttrLane.String(string(task.Lane)),
		otel.AttrOutcome.String(outcome),
	))
}

func (r *Runner) recordError(err error) {
	msg := err.Error()
	r.lastError.Store(&msg)
}

func (r *Runner) heartbeatLoop(ctx context.Context) {
	r.beat(ctx)
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runner) beat(ctx context.Context) {
	lag := r.queueLagMs.Load()
	r.heartbeats.RecordHeartbeat(ctx, r.cfg.WorkerID, int(r.activeTasks.Load()), &lag, r.cfg.Version)
}

// Beat records one heartbeat immediately. It is a no-op without a registry.
func (r *Runner) Beat(ctx context.Context) {
	if r.heartbeats == nil {
		return
	}
	r.beat(ctx)
}

func safeProcess(ctx context.Context, h Handler, task queue.Task) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Permanent(fmt.Errorf("handler panic: %v", p))
		}
	}()
	return h.Process(ctx, task)
}
