package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the eventrail tracer instance.
// Uses the global OTel tracer provider.
var tracer = otel.Tracer("eventrail")

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartCommandSpan starts a span covering a command's pipeline traversal.
	// Returns the context with span and the span itself.
	StartCommandSpan(ctx context.Context, domain, eventID string) (context.Context, trace.Span)

	// StartStageSpan starts a span for one pipeline stage.
	// The stage span should be a child of the command span.
	StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span)

	// StartSagaStepSpan starts a span for a saga step action or compensation.
	StartSagaStepSpan(ctx context.Context, sagaType, step string, compensating bool) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartCommandSpan starts a span covering a command's pipeline traversal.
func (m *otelSpanManager) StartCommandSpan(ctx context.Context, domain, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventrail.command",
		trace.WithAttributes(
			attribute.String("domain", domain),
			attribute.String("event.id", eventID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan starts a span for one pipeline stage.
func (m *otelSpanManager) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventrail.stage."+stage,
		trace.WithAttributes(
			attribute.String("stage", stage),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartSagaStepSpan starts a span for a saga step action or compensation.
func (m *otelSpanManager) StartSagaStepSpan(ctx context.Context, sagaType, step string, compensating bool) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventrail.saga."+step,
		trace.WithAttributes(
			attribute.String("saga.type", sagaType),
			attribute.String("saga.step", step),
			attribute.Bool("saga.compensating", compensating),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Convenience functions that operate on the global tracer.
// These are useful for simple cases where you don't need the interface.

// StartCommandSpan starts a span covering a command's pipeline traversal.
// Uses the global OTel tracer.
func StartCommandSpan(ctx context.Context, domain, eventID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventrail.command",
		trace.WithAttributes(
			attribute.String("domain", domain),
			attribute.String("event.id", eventID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan starts a span for one pipeline stage.
// Uses the global OTel tracer.
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "eventrail.stage."+stage,
		trace.WithAttributes(
			attribute.String("stage", stage),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
