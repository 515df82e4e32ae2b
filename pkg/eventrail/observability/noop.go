package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
// Use when metrics are disabled to avoid overhead.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

// RecordCommand does nothing.
func (NoopMetrics) RecordCommand(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordStage does nothing.
func (NoopMetrics) RecordStage(_ context.Context, _, _ string, _ time.Duration, _ error) {}

// RecordOutboxPublish does nothing.
func (NoopMetrics) RecordOutboxPublish(_ context.Context, _ string, _ bool) {}

// RecordClaimConflict does nothing.
func (NoopMetrics) RecordClaimConflict(_ context.Context, _ string) {}

// RecordDeadLetter does nothing.
func (NoopMetrics) RecordDeadLetter(_ context.Context, _ string) {}

// RecordSagaStep does nothing.
func (NoopMetrics) RecordSagaStep(_ context.Context, _, _ string, _ time.Duration, _ bool, _ error) {
}

// NoopSpanManager is a SpanManager that does nothing.
// Use when tracing is disabled to avoid overhead.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

// noopSpan is a span that does nothing.
// We use the OTel noop package for a proper no-op span implementation.
var noopSpan = noop.Span{}

// StartCommandSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartCommandSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartStageSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartStageSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartSagaStepSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartSagaStepSpan(ctx context.Context, _, _ string, _ bool) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(_ context.Context, _ string, _ ...attribute.KeyValue) {}
