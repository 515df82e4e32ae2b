package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records engine metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordCommand records a command completing the pipeline, with its
	// end-to-end duration and terminal error status.
	RecordCommand(ctx context.Context, domain string, duration time.Duration, err error)

	// RecordStage records one pipeline stage execution.
	RecordStage(ctx context.Context, domain, stage string, duration time.Duration, err error)

	// RecordOutboxPublish records an outbox hand-off attempt.
	RecordOutboxPublish(ctx context.Context, domain string, success bool)

	// RecordClaimConflict records a claim lost to another replica.
	RecordClaimConflict(ctx context.Context, domain string)

	// RecordDeadLetter records an entry moved to the dead-letter queue.
	RecordDeadLetter(ctx context.Context, domain string)

	// RecordSagaStep records a saga step action or compensation.
	RecordSagaStep(ctx context.Context, sagaType, step string, duration time.Duration, compensating bool, err error)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	commands       metric.Int64Counter
	commandLatency metric.Float64Histogram
	stageLatency   metric.Float64Histogram
	stageErrors    metric.Int64Counter
	outboxPublish  metric.Int64Counter
	claimConflicts metric.Int64Counter
	deadLetters    metric.Int64Counter
	sagaSteps      metric.Int64Counter
	sagaLatency    metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("eventrail")

	commands, err := meter.Int64Counter("eventrail.command.total",
		metric.WithDescription("Number of commands completing the pipeline"),
	)
	if err != nil {
		return nil, err
	}

	commandLatency, err := meter.Float64Histogram("eventrail.command.latency_ms",
		metric.WithDescription("End-to-end command latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stageLatency, err := meter.Float64Histogram("eventrail.stage.latency_ms",
		metric.WithDescription("Pipeline stage latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stageErrors, err := meter.Int64Counter("eventrail.stage.errors",
		metric.WithDescription("Number of pipeline stage failures"),
	)
	if err != nil {
		return nil, err
	}

	outboxPublish, err := meter.Int64Counter("eventrail.outbox.published",
		metric.WithDescription("Number of outbox publish attempts"),
	)
	if err != nil {
		return nil, err
	}

	claimConflicts, err := meter.Int64Counter("eventrail.outbox.claim_conflicts",
		metric.WithDescription("Number of claims lost to another replica"),
	)
	if err != nil {
		return nil, err
	}

	deadLetters, err := meter.Int64Counter("eventrail.outbox.dead_letters",
		metric.WithDescription("Number of entries moved to the dead-letter queue"),
	)
	if err != nil {
		return nil, err
	}

	sagaSteps, err := meter.Int64Counter("eventrail.saga.steps",
		metric.WithDescription("Number of saga step executions"),
	)
	if err != nil {
		return nil, err
	}

	sagaLatency, err := meter.Float64Histogram("eventrail.saga.step_latency_ms",
		metric.WithDescription("Saga step latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		commands:       commands,
		commandLatency: commandLatency,
		stageLatency:   stageLatency,
		stageErrors:    stageErrors,
		outboxPublish:  outboxPublish,
		claimConflicts: claimConflicts,
		deadLetters:    deadLetters,
		sagaSteps:      sagaSteps,
		sagaLatency:    sagaLatency,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordCommand records a command completion.
func (m *otelMetrics) RecordCommand(ctx context.Context, domain string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("domain", domain),
		attribute.Bool("success", err == nil),
	}

	m.commands.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.commandLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}

// RecordStage records one pipeline stage execution.
func (m *otelMetrics) RecordStage(ctx context.Context, domain, stage string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("domain", domain),
		attribute.String("stage", stage),
	}

	m.stageLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))

	if err != nil {
		m.stageErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordOutboxPublish records an outbox hand-off attempt.
func (m *otelMetrics) RecordOutboxPublish(ctx context.Context, domain string, success bool) {
	m.outboxPublish.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.Bool("success", success),
	))
}

// RecordClaimConflict records a claim lost to another replica.
func (m *otelMetrics) RecordClaimConflict(ctx context.Context, domain string) {
	m.claimConflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
	))
}

// RecordDeadLetter records an entry moved to the dead-letter queue.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, domain string) {
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
	))
}

// RecordSagaStep records a saga step action or compensation.
func (m *otelMetrics) RecordSagaStep(ctx context.Context, sagaType, step string, duration time.Duration, compensating bool, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("saga_type", sagaType),
		attribute.String("step", step),
		attribute.Bool("compensating", compensating),
		attribute.Bool("success", err == nil),
	}

	m.sagaSteps.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.sagaLatency.Record(ctx, float64(duration.Milliseconds()), metric.WithAttributes(attrs...))
}
