package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Standard attribute keys for queue spans and metrics.
var (
	AttrRoom     = attribute.Key("coordq.room")
	AttrTaskName = attribute.Key("coordq.task.name")
	AttrTaskID   = attribute.Key("coordq.task.id")
	AttrLane     = attribute.Key("coordq.task.lane")
	AttrStage    = attribute.Key("coordq.trace.stage")
	AttrWorkerID = attribute.Key("coordq.worker.id")
	AttrScope    = attribute.Key("coordq.runtime_scope")
	AttrColumn   = attribute.Key("coordq.trace.column")
	AttrOutcome  = attribute.Key("coordq.outcome")
)

// StartSpan starts an internal span with common attributes. A nil tracer
// yields a no-op span.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound store call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartConsumerSpan starts a span for a worker executing a claimed task.
func StartConsumerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(TracerName)
	}
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
}
