// Package completion tracks in-flight commands from ingress to their
// terminal pipeline stage.
//
// A Waiter is the one-shot synchronization handle behind the future that
// HandleCommand returns: the pipeline resolves it when the command's
// completion record turns terminal, and the submitter awaits it with a
// caller-chosen budget. The tracker lives only in the replica that
// accepted the command; a resolution arriving at a replica with no
// registered waiter is buffered briefly and then discarded.
package completion

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/observability"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// Result is what a resolved waiter delivers to the submitter.
type Result struct {
	// Status is the terminal completion status.
	Status store.CompletionStatus

	// ErrorMessage describes the failure when Status is FAILED.
	ErrorMessage string

	// Failure carries the classified failure when Status is FAILED.
	Failure *errors.Failure

	// ProcessingTime is the submit-to-terminal duration.
	ProcessingTime time.Duration
}

// Waiter is a one-shot handle resolving with a command's outcome.
type Waiter struct {
	seqKey  store.SequenceKey
	ch      chan Result
	tracker *Tracker
}

// SeqKey returns the sequence key the waiter is registered under.
func (w *Waiter) SeqKey() store.SequenceKey {
	return w.seqKey
}

// Await blocks until the command reaches a terminal status, the timeout
// passes, or ctx is cancelled. A timeout does not cancel the pipeline's
// work: the command still completes in the background, and the record
// is discarded after the tracker's grace period.
func (w *Waiter) Await(ctx context.Context, timeout time.Duration) (Result, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-w.ch:
		return result, nil
	case <-timer.C:
		w.tracker.cancel(w.seqKey)
		return Result{}, &errors.TimeoutError{
			Operation: "await completion",
			Budget:    timeout,
		}
	case <-ctx.Done():
		w.tracker.cancel(w.seqKey)
		return Result{}, &errors.Failure{
			Kind:    errors.KindTimeout,
			Message: "cancelled while awaiting completion",
			Err:     ctx.Err(),
		}
	}
}

// Done exposes the underlying channel for select-based callers.
// It delivers at most one Result.
func (w *Waiter) Done() <-chan Result {
	return w.ch
}

// TrackerConfig configures the tracker.
type TrackerConfig struct {
	// TTL is how long terminal records persist before eviction.
	// Default: 1 hour (COMPLETION_TTL_SECONDS).
	TTL time.Duration

	// Grace is how long an unclaimed resolution is buffered before
	// being discarded.
	// Default: 30 seconds.
	Grace time.Duration

	// JanitorInterval is how often eviction runs.
	// Default: 1 minute.
	JanitorInterval time.Duration

	// Logger receives eviction notices. Nil disables logging.
	Logger *slog.Logger
}

// DefaultTrackerConfig provides reasonable defaults.
var DefaultTrackerConfig = TrackerConfig{
	TTL:             time.Hour,
	Grace:           30 * time.Second,
	JanitorInterval: time.Minute,
}

// Tracker maps in-flight sequence keys to their waiters.
type Tracker struct {
	domain  string
	records store.Completions
	cfg     TrackerConfig

	mu        sync.Mutex
	waiters   map[store.SequenceKey]*Waiter
	unclaimed map[store.SequenceKey]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewTracker creates a tracker for one engine. records receives the
// persisted completion records the janitor TTL-evicts; pass the engine's
// Completions store.
func NewTracker(domain string, records store.Completions, cfg TrackerConfig) *Tracker {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTrackerConfig.TTL
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultTrackerConfig.Grace
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = DefaultTrackerConfig.JanitorInterval
	}

	t := &Tracker{
		domain:    domain,
		records:   records,
		cfg:       cfg,
		waiters:   make(map[store.SequenceKey]*Waiter),
		unclaimed: make(map[store.SequenceKey]time.Time),
		stopCh:    make(chan struct{}),
	}
	go t.janitor()
	return t
}

// Register creates the waiter for a sequence key. Called at command
// ingress, before the pipeline can possibly resolve it.
func (t *Tracker) Register(seqKey store.SequenceKey) *Waiter {
	w := &Waiter{
		seqKey:  seqKey,
		ch:      make(chan Result, 1),
		tracker: t,
	}

	t.mu.Lock()
	t.waiters[seqKey] = w
	t.mu.Unlock()

	return w
}

// Resolve delivers a terminal result to the registered waiter. With no
// waiter present (timed-out submitter, or a replica that never accepted
// the command), the resolution is remembered only long enough for the
// janitor to note and drop it.
func (t *Tracker) Resolve(seqKey store.SequenceKey, result Result) {
	t.mu.Lock()
	w, exists := t.waiters[seqKey]
	if exists {
		delete(t.waiters, seqKey)
	} else {
		t.unclaimed[seqKey] = time.Now()
	}
	t.mu.Unlock()

	if exists {
		w.ch <- result // buffered; never blocks
	}
}

// Discard drops a registered waiter whose command will not be processed
// in this process, e.g. an ingress that lost the race with engine
// shutdown after the pending write landed.
func (t *Tracker) Discard(seqKey store.SequenceKey) {
	t.cancel(seqKey)
}

// cancel discards a waiter after its submitter gave up.
func (t *Tracker) cancel(seqKey store.SequenceKey) {
	t.mu.Lock()
	delete(t.waiters, seqKey)
	t.mu.Unlock()
}

// InFlight returns the number of registered waiters.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}

// Close stops the janitor. Registered waiters are left to time out.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
	})
}

// janitor drops stale unclaimed resolutions and TTL-evicts persisted
// terminal records.
func (t *Tracker) janitor() {
	ticker := time.NewTicker(t.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweep()
		case <-t.stopCh:
			return
		}
	}
}

func (t *Tracker) sweep() {
	cutoff := time.Now().Add(-t.cfg.Grace)

	t.mu.Lock()
	for k, at := range t.unclaimed {
		if at.Before(cutoff) {
			delete(t.unclaimed, k)
		}
	}
	t.mu.Unlock()

	if t.records != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		evicted, err := t.records.DeleteOlderThan(ctx, time.Now().Add(-t.cfg.TTL))
		cancel()
		if err == nil && evicted > 0 {
			observability.LogCompletionEvicted(t.cfg.Logger, t.domain, evicted)
		}
	}
}
