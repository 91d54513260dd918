package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil || p.MeterProvider == nil {
		t.Fatalf("expected noop tracer and meter, got %+v", p)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider should not build an SDK tracer provider")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporterBuildsSDKProviders(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, ServiceName: "coordq-test", SampleRate: 0.5})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil {
		t.Fatal("expected SDK tracer provider")
	}
	if _, ok := p.MeterProvider.(*sdkmetric.MeterProvider); !ok {
		t.Fatalf("expected SDK meter provider, got %T", p.MeterProvider)
	}
	_, span := p.Tracer.Start(context.Background(), "queue.enqueue")
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span context")
	}
	span.End()
}

func TestInit_MetricsDisabled(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone, MetricsEnabled: &off})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if _, ok := p.MeterProvider.(*sdkmetric.MeterProvider); ok {
		t.Fatal("metrics_enabled=false should keep the noop meter provider")
	}
	if p.TracerProvider == nil {
		t.Fatal("tracing should still be enabled")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestProvider_ShutdownIsIdempotent(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	var nilProvider *Provider
	if err := nilProvider.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	if !cfg.metricsEnabled() {
		t.Fatal("metrics should default to enabled")
	}
	if cfg.metricsInterval() != defaultMetricsInterval {
		t.Fatalf("interval = %s", cfg.metricsInterval())
	}
	if cfg.endpoint() != defaultEndpoint {
		t.Fatalf("endpoint = %s", cfg.endpoint())
	}
	cfg.MetricsIntervalSeconds = 5
	cfg.Endpoint = "collector:4318"
	if cfg.metricsInterval() != 5*time.Second || cfg.endpoint() != "collector:4318" {
		t.Fatalf("overrides ignored: %s %s", cfg.metricsInterval(), cfg.endpoint())
	}
}

func TestSpanHelpers_RecordAttributes(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	defer tp.Shutdown(context.Background())
	tracer := tp.Tracer(TracerName)

	ctx, parent := StartSpan(context.Background(), tracer, "queue.enqueue",
		AttrRoom.String("r1"),
		AttrTaskName.String("build"),
	)
	_, child := StartClientSpan(ctx, tracer, "store.claim")
	child.End()
	parent.End()

	// A nil tracer falls back to a noop span.
	_, span := StartConsumerSpan(context.Background(), nil, "worker.execute", AttrTaskID.String("task-1"))
	span.End()

	ended := rec.Ended()
	if len(ended) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(ended))
	}
	if ended[0].Name() != "store.claim" || ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Fatalf("store.claim should be a child of queue.enqueue")
	}
	attrs := map[string]string{}
	for _, kv := range ended[1].Attributes() {
		attrs[string(kv.Key)] = kv.Value.AsString()
	}
	if attrs[string(AttrRoom)] != "r1" || attrs[string(AttrTaskName)] != "build" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}
