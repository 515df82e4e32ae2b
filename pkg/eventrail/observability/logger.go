// Package observability provides production-grade observability features
// for eventrail: structured logging, metrics, and distributed tracing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds engine context to a logger.
// Returns a new logger with domain, event_id, and key fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "orders", "evt-123", "order-9")
//	enriched.Info("projecting") // includes domain, event_id, key
func EnrichLogger(logger *slog.Logger, domain, eventID, key string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("domain", domain),
		slog.String("event_id", eventID),
		slog.String("key", key),
	)
}

// LogCommandAccepted logs a command entering the pipeline.
func LogCommandAccepted(logger *slog.Logger, domain, eventID, eventType, key string) {
	if logger == nil {
		return
	}
	logger.Debug("command accepted",
		slog.String("domain", domain),
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("key", key),
	)
}

// LogCommandCompleted logs a command finishing the pipeline.
func LogCommandCompleted(logger *slog.Logger, domain, eventID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("command completed",
		slog.String("domain", domain),
		slog.String("event_id", eventID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCommandFailed logs a command failing terminally.
func LogCommandFailed(logger *slog.Logger, domain, eventID, kind string, err error) {
	if logger == nil {
		return
	}
	logger.Error("command failed",
		slog.String("domain", domain),
		slog.String("event_id", eventID),
		slog.String("kind", kind),
		slog.String("error", err.Error()),
	)
}

// LogStageRetry logs a pipeline stage attempt that will be retried.
func LogStageRetry(logger *slog.Logger, domain, stage, eventID string, attempt int, err error) {
	if logger == nil {
		return
	}
	logger.Warn("stage retrying",
		slog.String("domain", domain),
		slog.String("stage", stage),
		slog.String("event_id", eventID),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}

// LogPendingRecovered logs crash-recovery of queued commands at startup.
func LogPendingRecovered(logger *slog.Logger, domain string, count int) {
	if logger == nil {
		return
	}
	logger.Info("pending commands recovered",
		slog.String("domain", domain),
		slog.Int("count", count),
	)
}

// LogOutboxPublished logs a successful outbox hand-off to the bus.
func LogOutboxPublished(logger *slog.Logger, domain, entryID, topic string, attempts int) {
	if logger == nil {
		return
	}
	logger.Debug("outbox entry published",
		slog.String("domain", domain),
		slog.String("entry_id", entryID),
		slog.String("topic", topic),
		slog.Int("attempts", attempts),
	)
}

// LogOutboxDeadLettered logs an outbox entry exhausting its attempts.
func LogOutboxDeadLettered(logger *slog.Logger, domain, entryID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("outbox entry dead-lettered",
		slog.String("domain", domain),
		slog.String("entry_id", entryID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogViewRebuild logs a full view rebuild from the event log.
func LogViewRebuild(logger *slog.Logger, domain string, events int64, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("views rebuilt",
		slog.String("domain", domain),
		slog.Int64("events_replayed", events),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogCompletionEvicted logs TTL eviction of stale completion records (non-fatal).
func LogCompletionEvicted(logger *slog.Logger, domain string, count int) {
	if logger == nil {
		return
	}
	logger.Debug("completion records evicted",
		slog.String("domain", domain),
		slog.Int("count", count),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Milliseconds())
	}
}
