package queue

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/coordq/internal/bus"
	"github.com/basket/coordq/internal/ledger"
	"github.com/basket/coordq/internal/otel"
	"github.com/basket/coordq/internal/scope"
)

const (
	defaultLeaseTTL           = 30 * time.Second
	defaultLocalClaimAttempts = 3
	defaultLocalClaimBackoff  = 25 * time.Millisecond
	// directScanFactor widens the direct-lane candidate scan so a few lost
	// compare-and-swaps do not starve the claim.
	directScanFactor = 4
)

// Config holds the queue's tunables. MaxActivePerRoom and CoalesceTasks can
// be swapped at runtime.
type Config struct {
	// MaxActivePerRoom caps queued+running tasks per room; 0 disables.
	MaxActivePerRoom int
	// CoalesceTasks is the task-name family whose queued work is superseded
	// by a newer overlapping enqueue.
	CoalesceTasks []string
	// LocalTaskIsolation inserts local-scope tasks straight into running on
	// the direct lane.
	LocalTaskIsolation bool
	// Host identifies this process for host fencing and claim exclusion.
	Host                  string
	DefaultLeaseTTL       time.Duration
	LocalClaimMaxAttempts int
	LocalClaimBackoff     time.Duration
}

// Client is the coordination API over a Store.
type Client struct {
	store   Store
	ledger  *ledger.Recorder
	fence   *HostFence
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	schemas *SchemaRegistry
	logger  *slog.Logger
	now     func() time.Time

	mu  sync.RWMutex
	cfg Config
}

// Option customizes a Client.
type Option func(*Client)

// WithLedger attaches the trace ledger.
func WithLedger(r *ledger.Recorder) Option { return func(c *Client) { c.ledger = r } }

// WithHostFence attaches host fencing for local-scope enqueues.
func WithHostFence(f *HostFence) Option { return func(c *Client) { c.fence = f } }

// WithBus publishes task lifecycle events.
func WithBus(b *bus.Bus) Option { return func(c *Client) { c.bus = b } }

// WithMetrics sets the metric instruments.
func WithMetrics(m *otel.Metrics) Option { return func(c *Client) { c.metrics = m } }

// WithTracer sets the span tracer.
func WithTracer(t trace.Tracer) Option { return func(c *Client) { c.tracer = t } }

// WithSchemas validates params per task name.
func WithSchemas(r *SchemaRegistry) Option { return func(c *Client) { c.schemas = r } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Client) { c.now = now } }

// New builds a Client over store.
func New(store Store, cfg Config, opts ...Option) *Client {
	c := &Client{
		store: store,
		cfg:   normalizeConfig(cfg),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = otel.NoopMetrics()
	}
	return c
}

func normalizeConfig(cfg Config) Config {
	if cfg.MaxActivePerRoom < 0 {
		cfg.MaxActivePerRoom = 0
	}
	if cfg.DefaultLeaseTTL <= 0 {
		cfg.DefaultLeaseTTL = defaultLeaseTTL
	}
	if cfg.LocalClaimMaxAttempts <= 0 {
		cfg.LocalClaimMaxAttempts = defaultLocalClaimAttempts
	}
	if cfg.LocalClaimBackoff <= 0 {
		cfg.LocalClaimBackoff = defaultLocalClaimBackoff
	}
	cfg.Host = scope.NormalizeWorkerHost(cfg.Host)
	cfg.CoalesceTasks = uniqueStrings(cfg.CoalesceTasks)
	return cfg
}

func (c *Client) config() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// SetMaxActivePerRoom swaps the per-room depth limit.
func (c *Client) SetMaxActivePerRoom(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 {
		n = 0
	}
	c.cfg.MaxActivePerRoom = n
}

// SetCoalesceTasks swaps the coalescing task-name family.
func (c *Client) SetCoalesceTasks(names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.CoalesceTasks = uniqueStrings(names)
}

// Store exposes the backing store.
func (c *Client) Store() Store { return c.store }

// GetTask returns one task by id.
func (c *Client) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := c.store.Get(ctx, id)
	return t, c.passStoreError("get task", err)
}

// ListPending returns active tasks in room ordered by creation.
func (c *Client) ListPending(ctx context.Context, room string) ([]Task, error) {
	tasks, err := c.store.ListActive(ctx, room)
	return tasks, c.passStoreError("list pending", err)
}

// SweepExpiredLeases returns expired queued-lane leases to queued and clears
// expired direct-lane leases. Claims already treat expired leases as
// reclaimable; the sweep only makes recovery visible sooner.
func (c *Client) SweepExpiredLeases(ctx context.Context) (int64, error) {
	n, err := c.store.SweepExpiredLeases(ctx, c.now().UTC())
	return n, c.passStoreError("sweep expired leases", err)
}

func (c *Client) leaseTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return c.config().DefaultLeaseTTL
}

func (c *Client) excludeKeys(host string) []string {
	if host == "" {
		host = c.config().Host
	}
	return scope.SkipHostKeysFor(host)
}

// emit records a trace event and publishes the matching bus topic.
func (c *Client) emit(ctx context.Context, stage ledger.Stage, topic string, t *Task, ev ledger.Event) {
	if t == nil {
		return
	}
	if ev.TraceID == "" {
		ev.TraceID = t.TraceID
	}
	if ev.RequestID == "" {
		ev.RequestID = t.RequestID
	}
	c.ledger.RecordTaskTraceFromParams(ctx, stage, ledger.TaskRef{
		ID:      t.ID,
		Room:    t.Room,
		Task:    t.Task,
		Status:  string(t.Status),
		Attempt: t.Attempt,
	}, t.Params, ev)
	if topic != "" {
		c.bus.Publish(topic, bus.TaskEvent{
			TaskID:    t.ID,
			Room:      t.Room,
			Task:      t.Task,
			Status:    string(t.Status),
			Lane:      string(t.Lane),
			Attempt:   t.Attempt,
			RequestID: t.RequestID,
			TraceID:   t.TraceID,
			Error:     t.Error,
		})
	}
}

// emitByID re-reads a task after a successful mutation so its trace event
// carries the post-transition state.
func (c *Client) emitByID(ctx context.Context, stage ledger.Stage, topic, id string, ev ledger.Event) {
	t, err := c.store.Get(ctx, id)
	if err != nil {
		c.logger.Debug("trace lookup failed", "task_id", id, "stage", string(stage), "error", err)
		return
	}
	c.emit(ctx, stage, topic, t, ev)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(out, v) {
			continue
		}
		out = append(out, v)
	}
	return out
}
