package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the queue's metric instruments.
type Metrics struct {
	TasksEnqueued      metric.Int64Counter
	TasksDeduped       metric.Int64Counter
	BackpressureReject metric.Int64Counter
	TasksCoalesced     metric.Int64Counter
	TasksClaimed       metric.Int64Counter
	LeaseMismatches    metric.Int64Counter
	TraceWrites        metric.Int64Counter
	TraceDrops         metric.Int64Counter
	TraceDegradations  metric.Int64Counter
	ClaimDuration      metric.Float64Histogram
	TaskDuration       metric.Float64Histogram
	ActiveTasks        metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TasksEnqueued, "coordq.task.enqueued", "Tasks inserted by enqueue"},
		{&m.TasksDeduped, "coordq.task.deduped", "Enqueue calls resolved to an existing active task"},
		{&m.BackpressureReject, "coordq.queue.backpressure", "Enqueue calls rejected by the per-room depth limit"},
		{&m.TasksCoalesced, "coordq.task.coalesced", "Queued tasks canceled by coalescing or supersede"},
		{&m.TasksClaimed, "coordq.task.claimed", "Tasks leased by claim calls"},
		{&m.LeaseMismatches, "coordq.lease.mismatch", "Lease-guarded mutations that matched no row"},
		{&m.TraceWrites, "coordq.trace.writes", "Trace events written to the ledger"},
		{&m.TraceDrops, "coordq.trace.drops", "Trace events dropped by sampling or write failure"},
		{&m.TraceDegradations, "coordq.trace.degraded_columns", "Optional ledger columns marked missing"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}

	m.ClaimDuration, err = meter.Float64Histogram("coordq.claim.duration",
		metric.WithDescription("Claim call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("coordq.task.duration",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("coordq.worker.active_tasks",
		metric.WithDescription("Tasks currently executing in this worker"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// NoopMetrics returns instruments backed by the no-op meter.
func NoopMetrics() *Metrics {
	m, err := NewMetrics(noop.NewMeterProvider().Meter(MeterName))
	if err != nil {
		panic(err)
	}
	return m
}
