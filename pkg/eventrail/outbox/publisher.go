// Package outbox bridges a domain engine's durable outbox to the event
// bus with at-least-once delivery.
//
// One Publisher runs per replica per engine. Its loop polls for NEW
// entries, claims each with an atomic status CAS (only one replica of an
// engine wins a given entry), publishes to the bus, and deletes on
// success. Failed entries are released for another attempt or moved to
// the dead-letter sink once their attempt budget is spent. The Admin
// type exposes the operator surface over that sink.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/observability"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// PublisherConfig configures the publisher loop.
type PublisherConfig struct {
	// PollInterval is how often the outbox is polled for NEW entries.
	// Default: 100ms (OUTBOX_POLL_INTERVAL_MS).
	PollInterval time.Duration

	// MaxAttempts is the delivery budget per entry before dead-lettering.
	// Default: 5 (OUTBOX_MAX_ATTEMPTS).
	MaxAttempts int

	// BatchSize is the number of entries polled per cycle.
	// Default: 100
	BatchSize int

	// PublishTimeout bounds one bus publish attempt.
	// Default: 5 seconds.
	PublishTimeout time.Duration

	// Logger receives publish and dead-letter messages. Nil disables logging.
	Logger *slog.Logger

	// Metrics records publish outcomes. Nil means no-op.
	Metrics observability.MetricsRecorder
}

// DefaultPublisherConfig provides reasonable defaults.
var DefaultPublisherConfig = PublisherConfig{
	PollInterval:   100 * time.Millisecond,
	MaxAttempts:    5,
	BatchSize:      100,
	PublishTimeout: 5 * time.Second,
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Published      int64 // entries delivered to the bus
	ClaimConflicts int64 // claims lost to another replica
	Failed         int64 // publish attempts that failed
	DeadLettered   int64 // entries moved to the dead-letter sink
}

// Publisher drains one engine's outbox onto the bus.
type Publisher struct {
	domain    string
	replicaID string
	outbox    store.Outbox
	deadSink  store.DeadLetter
	bus       event.Bus
	cfg       PublisherConfig

	published      atomic.Int64
	claimConflicts atomic.Int64
	failed         atomic.Int64
	deadLettered   atomic.Int64

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewPublisher creates a publisher for one engine replica.
func NewPublisher(domain, replicaID string, outbox store.Outbox, deadSink store.DeadLetter, bus event.Bus, cfg PublisherConfig) *Publisher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPublisherConfig.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPublisherConfig.MaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultPublisherConfig.BatchSize
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublisherConfig.PublishTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}

	return &Publisher{
		domain:    domain,
		replicaID: replicaID,
		outbox:    outbox,
		deadSink:  deadSink,
		bus:       bus,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
	}
}

// Start begins the poll loop. Calling Start on a running publisher is a
// no-op.
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop halts the poll loop. In-flight entries finish their cycle.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return
	}
	close(p.stopCh)
	p.running = false
}

// Drain runs one poll cycle synchronously. Tests and single-shot admin
// tooling use it instead of the background loop.
func (p *Publisher) Drain(ctx context.Context) {
	p.cycle(ctx)
}

// Stats returns a snapshot of the publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Published:      p.published.Load(),
		ClaimConflicts: p.claimConflicts.Load(),
		Failed:         p.failed.Load(),
		DeadLettered:   p.deadLettered.Load(),
	}
}

func (p *Publisher) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle polls, claims, publishes, and acknowledges one batch.
func (p *Publisher) cycle(ctx context.Context) {
	entries, err := p.outbox.PollNew(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logError("poll", err)
		return
	}

	var sent []string
	for _, entry := range entries {
		claimed, err := p.outbox.Claim(ctx, entry.EntryID, p.replicaID)
		if err != nil {
			p.logError("claim", err)
			continue
		}
		if !claimed {
			// Another replica got there first; at-least-once still holds.
			p.claimConflicts.Add(1)
			p.cfg.Metrics.RecordClaimConflict(ctx, p.domain)
			continue
		}

		if p.publishOne(ctx, entry) {
			sent = append(sent, entry.EntryID)
		}
	}

	if len(sent) > 0 {
		if err := p.outbox.DeleteBatch(ctx, sent); err != nil {
			// Entries stay SENT; the next Add with the same EventID is a
			// no-op and consumers dedupe, so leaking them is harmless.
			p.logError("delete sent batch", err)
		}
	}
}

// publishOne attempts a single delivery. Reports whether the entry was
// marked SENT and can be deleted.
func (p *Publisher) publishOne(ctx context.Context, entry *store.OutboxEntry) bool {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	err := p.bus.Publish(attemptCtx, entry.Envelope)
	cancel()

	if err == nil {
		if err := p.outbox.MarkSent(ctx, entry.EntryID); err != nil {
			p.logError("mark sent", err)
		}
		p.published.Add(1)
		p.cfg.Metrics.RecordOutboxPublish(ctx, p.domain, true)
		observability.LogOutboxPublished(p.cfg.Logger, p.domain, entry.EntryID,
			entry.Envelope.EventType, entry.Attempts)
		return true
	}

	p.failed.Add(1)
	p.cfg.Metrics.RecordOutboxPublish(ctx, p.domain, false)

	// entry.Attempts was read before the claim incremented it.
	attempts := entry.Attempts + 1
	if attempts >= p.cfg.MaxAttempts {
		p.deadLetter(ctx, entry, attempts, err)
		return false
	}

	if err := p.outbox.Release(ctx, entry.EntryID); err != nil {
		p.logError("release", err)
	}
	return false
}

func (p *Publisher) deadLetter(ctx context.Context, entry *store.OutboxEntry, attempts int, cause error) {
	failure := errors.AsFailure(&errors.DeliveryError{
		Topic: entry.Envelope.EventType,
		Err:   cause,
	})
	failure.EventID = entry.Envelope.EventID
	failure.Attempts = attempts

	if err := p.deadSink.Add(ctx, &store.DeadLetterEntry{
		EntryID:   entry.EntryID,
		Envelope:  entry.Envelope,
		LastError: failure.Encode(),
		FailedAt:  time.Now(),
		Attempts:  attempts,
	}); err != nil {
		p.logError("dead letter", err)
		// Leave the entry claimed; the operator sees it stuck rather
		// than losing the event entirely.
		return
	}

	if err := p.outbox.Delete(ctx, entry.EntryID); err != nil {
		p.logError("delete after dead letter", err)
	}

	p.deadLettered.Add(1)
	p.cfg.Metrics.RecordDeadLetter(ctx, p.domain)
	observability.LogOutboxDeadLettered(p.cfg.Logger, p.domain, entry.EntryID, attempts, cause)
}

func (p *Publisher) logError(op string, err error) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Error("outbox "+op+" failed",
			slog.String("domain", p.domain),
			slog.String("replica", p.replicaID),
			slog.String("error", err.Error()),
		)
	}
}
