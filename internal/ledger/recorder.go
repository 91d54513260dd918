package ledger

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/coordq/internal/otel"
	"github.com/basket/coordq/internal/shared"
	"github.com/basket/coordq/internal/storeerr"
)

const defaultWriteTimeout = 2 * time.Second

// Config controls whether and how often events are written.
type Config struct {
	Enabled bool
	// SampleRate is the fraction of traces kept, clamped to [0, 1].
	SampleRate float64
	// WriteTimeout bounds a single insert including degrade retries.
	WriteTimeout time.Duration
}

// Recorder is the trace ledger front end. The zero value is not usable; build
// one with NewRecorder.
type Recorder struct {
	writer  Writer
	caps    *Capabilities
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time
	random  func() float64

	mu  sync.RWMutex
	cfg Config

	// async mode
	queue     chan pendingEvent
	wg        sync.WaitGroup
	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

// Option customizes a Recorder.
type Option func(*Recorder)

// WithLogger sets the warning sink.
func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithMetrics sets the metric instruments.
func WithMetrics(m *otel.Metrics) Option { return func(r *Recorder) { r.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Recorder) { r.now = now } }

// WithRandom overrides the sampling source for events without a trace id.
func WithRandom(f func() float64) Option { return func(r *Recorder) { r.random = f } }

// WithAsync hands writes to one background goroutine through a buffer of
// size n. Events arriving while the buffer is full are dropped. Close drains
// the buffer. n <= 0 keeps writes on the caller's goroutine.
func WithAsync(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan pendingEvent, n)
		}
	}
}

// WithCapabilities shares an existing capability cache.
func WithCapabilities(c *Capabilities) Option { return func(r *Recorder) { r.caps = c } }

// NewRecorder builds a Recorder. A nil writer yields a recorder that drops
// every event.
func NewRecorder(w Writer, cfg Config, opts ...Option) *Recorder {
	r := &Recorder{
		writer: w,
		cfg:    normalizeConfig(cfg),
		now:    time.Now,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.caps == nil {
		r.caps = NewCapabilities()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = otel.NoopMetrics()
	}
	if r.queue != nil {
		r.wg.Add(1)
		go r.drain()
	}
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for p := range r.queue {
		r.write(context.Background(), p)
	}
}

// Close stops the async writer after flushing buffered events, or when ctx
// is done. Later events are dropped. It is a no-op for synchronous recorders.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil || r.queue == nil {
		return nil
	}
	r.closeOnce.Do(func() {
		r.sendMu.Lock()
		r.closed = true
		close(r.queue)
		r.sendMu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func normalizeConfig(cfg Config) Config {
	if math.IsNaN(cfg.SampleRate) || cfg.SampleRate < 0 {
		cfg.SampleRate = 0
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return cfg
}

// Capabilities exposes the recorder's capability cache.
func (r *Recorder) Capabilities() *Capabilities { return r.caps }

// Configure swaps the enable flag and sample rate.
func (r *Recorder) Configure(cfg Config) {
	r.mu.Lock()
	r.cfg = normalizeConfig(cfg)
	r.mu.Unlock()
}

func (r *Recorder) config() Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Sampled decides whether a trace is kept. Every stage of one trace id gets
// the same answer; events without a trace id draw independently.
func (r *Recorder) Sampled(traceID string) bool {
	rate := r.config().SampleRate
	switch {
	case rate >= 1:
		return true
	case rate <= 0:
		return false
	case traceID == "":
		return r.random() < rate
	}
	return traceFraction(traceID) < rate
}

func traceFraction(traceID string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(traceID))
	return float64(h.Sum64()>>11) / float64(1<<53)
}

// Record writes ev, or queues it when the recorder is async. It never
// returns an error.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	cfg := r.config()
	if !cfg.Enabled || r.writer == nil {
		return
	}
	if ev.TraceID == "" {
		if id := shared.TraceID(ctx); id != "-" {
			ev.TraceID = id
		}
	}
	attrs := metric.WithAttributes(otel.AttrStage.String(string(ev.Stage)))
	if !r.Sampled(ev.TraceID) {
		r.metrics.TraceDrops.Add(ctx, 1, attrs)
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now()
	}
	p := pendingEvent{ev: ev, sampled: cfg.SampleRate < 1}
	if r.queue == nil {
		r.write(context.WithoutCancel(ctx), p)
		return
	}

	r.sendMu.RLock()
	defer r.sendMu.RUnlock()
	if r.closed {
		r.metrics.TraceDrops.Add(ctx, 1, attrs)
		return
	}
	select {
	case r.queue <- p:
	default:
		r.metrics.TraceDrops.Add(ctx, 1, attrs)
		r.logger.Warn("trace ledger buffer full; event dropped",
			"stage", string(ev.Stage), "task_id", ev.TaskID, "trace_id", ev.TraceID)
	}
}

// pendingEvent is an event that passed sampling.
type pendingEvent struct {
	ev      Event
	sampled bool
}

// write inserts one event, omitting optional columns the store rejects.
func (r *Recorder) write(ctx context.Context, p pendingEvent) {
	ev := p.ev
	ctx, cancel := context.WithTimeout(ctx, r.config().WriteTimeout)
	defer cancel()

	attrs := metric.WithAttributes(otel.AttrStage.String(string(ev.Stage)))
	id := uuid.NewString()
	for retries := 0; ; retries++ {
		row := r.buildRow(id, ev, p.sampled)
		err := r.writer.InsertTraceEvent(ctx, row)
		if err == nil {
			r.metrics.TraceWrites.Add(ctx, 1, attrs)
			return
		}
		cls := r.writer.Classify(err)
		if cls.Kind == storeerr.KindMissingColumn && IsOptionalColumn(cls.Column) && retries < len(OptionalColumns) {
			// A concurrent writer may have marked it first; the row sent
			// still carried it.
			fresh := r.caps.MarkMissing(cls.Column)
			if fresh {
				r.metrics.TraceDegradations.Add(ctx, 1, metric.WithAttributes(otel.AttrColumn.String(cls.Column)))
				r.logger.Info("trace ledger column missing; omitting from future writes",
					"column", cls.Column, "stage", string(ev.Stage), "task_id", ev.TaskID)
			}
			if fresh || rowHasColumn(row, cls.Column) {
				continue
			}
		}
		r.metrics.TraceDrops.Add(ctx, 1, attrs)
		r.logger.Warn("trace ledger write failed",
			"error", err.Error(),
			"code", cls.Code,
			"details", cls.Detail,
			"hint", cls.Hint,
			"kind", string(cls.Kind),
			"stage", string(ev.Stage),
			"task_id", ev.TaskID,
			"trace_id", ev.TraceID,
		)
		return
	}
}

func rowHasColumn(row []Column, name string) bool {
	for _, c := range row {
		if c.Name == name {
			return true
		}
	}
	return false
}

func (r *Recorder) buildRow(id string, ev Event, sampled bool) []Column {
	row := []Column{
		{ColID, id},
		{ColStage, string(ev.Stage)},
		{ColStatus, nullable(ev.Status)},
		{ColTraceID, nullable(ev.TraceID)},
		{ColRequestID, nullable(ev.RequestID)},
		{ColIntentID, nullable(ev.IntentID)},
		{ColTaskID, nullable(ev.TaskID)},
		{ColRoom, nullable(ev.Room)},
		{ColTask, nullable(ev.Task)},
		{ColAttempt, ev.Attempt},
		{ColLatencyMs, latencyValue(ev.LatencyMs)},
		{ColPayload, payloadJSON(ev)},
		{ColCreatedAt, ev.CreatedAt.UTC().UnixMilli()},
	}
	optional := []Column{
		{ColSampled, sampled},
		{ColProvider, nullable(ev.Provider)},
		{ColModel, nullable(ev.Model)},
		{ColProviderSource, nullable(ev.ProviderSource)},
		{ColModelSource, nullable(ev.ModelSource)},
	}
	for _, col := range optional {
		if !r.caps.Missing(col.Name) {
			row = append(row, col)
		}
	}
	return row
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func latencyValue(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func payloadJSON(ev Event) string {
	payload := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		payload[k] = v
	}
	if ev.Experiment != nil {
		payload["experiment"] = ev.Experiment
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
