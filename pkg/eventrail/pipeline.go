package eventrail

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventrail/pkg/eventrail/completion"
	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/observability"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// Pipeline stage names, used in logs, metrics, and spans.
const (
	stageStamp    = "stamp"
	stagePersist  = "persist"
	stageProject  = "project"
	stageOutbox   = "outbox"
	stageAck      = "ack"
	stageComplete = "complete"
)

// pipeline drains the pending log through the six processing stages.
//
// Commands for the same key always run on the same lane in submission
// order; distinct keys spread across lanes and run concurrently. Stage
// failures never escape: they end in a FAILED completion record, a
// dead-letter entry, or (for infrastructure failures past the outbox
// stage) the pending entry surviving for the next startup recovery.
type pipeline struct {
	domain    string
	stores    *store.Set
	projector Projector
	tracker   *completion.Tracker
	retry     errors.RetryConfig
	logger    *slog.Logger
	metrics   observability.MetricsRecorder
	spans     observability.SpanManager

	lanes  []chan *store.PendingEntry
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	closed     bool
	submitters sync.WaitGroup
}

func newPipeline(domain string, stores *store.Set, projector Projector,
	tracker *completion.Tracker, laneCount int, retry errors.RetryConfig,
	logger *slog.Logger, metrics observability.MetricsRecorder,
	spans observability.SpanManager) *pipeline {

	ctx, cancel := context.WithCancel(context.Background())
	p := &pipeline{
		domain:    domain,
		stores:    stores,
		projector: projector,
		tracker:   tracker,
		retry:     retry,
		logger:    logger,
		metrics:   metrics,
		spans:     spans,
		lanes:     make([]chan *store.PendingEntry, laneCount),
		ctx:       ctx,
		cancel:    cancel,
	}

	for i := range p.lanes {
		p.lanes[i] = make(chan *store.PendingEntry, 64)
		p.wg.Add(1)
		go p.laneWorker(p.lanes[i])
	}
	return p
}

// recover re-submits pending entries left behind by a crash. Called once
// before the engine accepts new commands; replay is safe because stages
// 2-5 are idempotent and stage 6 re-resolves against a waiterless
// tracker.
func (p *pipeline) recover(ctx context.Context) error {
	entries, err := p.stores.Pending.Scan(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to scan pending log: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	observability.LogPendingRecovered(p.logger, p.domain, len(entries))
	for _, entry := range entries {
		p.submit(entry)
	}
	return nil
}

// submit hands an entry to its key's lane and reports whether the
// pipeline accepted it. Blocks when the lane buffer is full; ingress
// backpressure is the bound on in-flight work. Returns false once close
// has begun; the entry stays in the pending log for startup recovery.
func (p *pipeline) submit(entry *store.PendingEntry) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.submitters.Add(1)
	p.mu.Unlock()
	defer p.submitters.Done()

	h := fnv.New32a()
	h.Write([]byte(entry.SeqKey.Key))
	lane := p.lanes[int(h.Sum32())%len(p.lanes)]

	select {
	case lane <- entry:
		return true
	case <-p.ctx.Done():
		return false
	}
}

// close stops the lanes after draining what was already submitted. The
// lane channels are closed only after every in-flight submit has
// returned; submits arriving later are rejected under p.mu.
func (p *pipeline) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.submitters.Wait()
	for _, lane := range p.lanes {
		close(lane)
	}
	p.wg.Wait()
	p.cancel()
}

func (p *pipeline) laneWorker(lane <-chan *store.PendingEntry) {
	defer p.wg.Done()
	for entry := range lane {
		p.process(p.ctx, entry)
	}
}

// process runs one command through stages 1-6.
func (p *pipeline) process(ctx context.Context, entry *store.PendingEntry) {
	start := time.Now()
	env := entry.Envelope
	seqKey := entry.SeqKey

	ctx, span := p.spans.StartCommandSpan(ctx, p.domain, env.EventID)
	var finalErr error
	defer func() {
		p.spans.EndSpanWithError(span, finalErr)
		p.metrics.RecordCommand(ctx, p.domain, time.Since(start), finalErr)
	}()

	// Stage 1: stamp. Identity fields may already be set; stamping is
	// idempotent so crash replay cannot change them.
	p.stamp(env)

	// Stage 2: persist to the event log. Identical seqKey re-append is a
	// no-op, so replay cannot duplicate history.
	if err := p.runStage(ctx, stagePersist, env.EventID, func(ctx context.Context) error {
		return p.stores.Events.Append(ctx, seqKey, env)
	}); err != nil {
		finalErr = err
		p.fail(ctx, entry, start, err, true)
		return
	}

	// Stage 3: project into the view. A Conflict rejects the command
	// permanently; the event stays in the log and the view is untouched.
	if err := p.project(ctx, seqKey, env); err != nil {
		finalErr = err
		isConflict := errors.Categorize(err) == errors.KindConflict
		p.fail(ctx, entry, start, err, !isConflict)
		return
	}

	// Stage 4: hand the event to the outbox. Duplicate EventID is a
	// no-op. An infrastructure failure here leaves the pending entry for
	// startup recovery rather than losing the delivery.
	if err := p.runStage(ctx, stageOutbox, env.EventID, func(ctx context.Context) error {
		return p.stores.Outbox.Add(ctx, &store.OutboxEntry{
			EntryID:   uuid.New().String(),
			Envelope:  env,
			Status:    store.OutboxNew,
			CreatedAt: time.Now(),
		})
	}); err != nil {
		finalErr = err
		p.logStageError(stageOutbox, env.EventID, err)
		return
	}

	// Stage 5: ack the pending entry. Deleting an absent entry is a
	// no-op.
	if err := p.runStage(ctx, stageAck, env.EventID, func(ctx context.Context) error {
		return p.stores.Pending.Delete(ctx, seqKey)
	}); err != nil {
		finalErr = err
		p.logStageError(stageAck, env.EventID, err)
		return
	}

	// Stage 6: record completion and wake the submitter. Never fails the
	// event; the log and view already hold the truth.
	p.complete(ctx, entry, start, store.CompletionCompleted, nil)
	observability.LogCommandCompleted(p.logger, p.domain, env.EventID,
		float64(time.Since(start).Microseconds())/1000.0)
}

// stamp fills the identity and tracing fields a bare command may omit.
func (p *pipeline) stamp(env *event.Envelope) {
	if env.Timestamp == 0 {
		env.Timestamp = time.Now().UnixMilli()
	}
	if env.CorrelationID == "" {
		env.CorrelationID = env.EventID
	}
}

// project folds the event into its key's state under the per-key lock.
// Retried like the persist stage, except a Conflict short-circuits.
func (p *pipeline) project(ctx context.Context, seqKey store.SequenceKey, env *event.Envelope) error {
	retry := p.retry
	retry.RetryableFunc = func(err error) bool {
		if errors.Categorize(err) == errors.KindConflict {
			return false
		}
		return errors.IsRetryable(err)
	}

	return p.runStageWith(ctx, stageProject, env.EventID, retry, func(ctx context.Context) error {
		_, err := p.stores.Views.ExecuteOnKey(ctx, seqKey.Key, func(current store.State) (store.State, error) {
			return p.projector.Project(ctx, current, env)
		})
		return err
	})
}

func (p *pipeline) runStage(ctx context.Context, stage, eventID string, fn func(context.Context) error) error {
	return p.runStageWith(ctx, stage, eventID, p.retry, fn)
}

func (p *pipeline) runStageWith(ctx context.Context, stage, eventID string, retry errors.RetryConfig, fn func(context.Context) error) error {
	stageCtx, span := p.spans.StartStageSpan(ctx, stage)
	start := time.Now()

	attempt := 0
	result := errors.WithRetryContext(stageCtx, retry, func(ctx context.Context) (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err != nil && attempt > 1 {
			observability.LogStageRetry(p.logger, p.domain, stage, eventID, attempt, err)
		}
		return struct{}{}, err
	})

	p.metrics.RecordStage(stageCtx, p.domain, stage, time.Since(start), result.Err)
	p.spans.EndSpanWithError(span, result.Err)
	return result.Err
}

// fail terminates a command as FAILED. The pending entry is acked so the
// command is not replayed; deadLetter additionally parks the envelope
// for the operator (skipped for business conflicts).
func (p *pipeline) fail(ctx context.Context, entry *store.PendingEntry, start time.Time, cause error, deadLetter bool) {
	env := entry.Envelope

	failure := errors.AsFailure(cause)
	failure.EventID = env.EventID
	observability.LogCommandFailed(p.logger, p.domain, env.EventID, failure.Kind.String(), cause)

	if deadLetter {
		err := p.stores.DeadLetters.Add(ctx, &store.DeadLetterEntry{
			EntryID:   env.EventID,
			Envelope:  env,
			LastError: failure.Encode(),
			FailedAt:  time.Now(),
			Attempts:  failure.Attempts,
		})
		if err != nil {
			p.logStageError("dead letter", env.EventID, err)
		}
	}

	if err := p.stores.Pending.Delete(ctx, entry.SeqKey); err != nil {
		p.logStageError(stageAck, env.EventID, err)
	}

	p.complete(ctx, entry, start, store.CompletionFailed, failure)
}

// complete writes the terminal record and resolves the waiter. Failures
// here are logged and swallowed; the submitter's Await times out and the
// log remains authoritative.
func (p *pipeline) complete(ctx context.Context, entry *store.PendingEntry, start time.Time, status store.CompletionStatus, failure *errors.Failure) {
	rec := &store.CompletionRecord{
		SeqKey:      entry.SeqKey,
		Status:      status,
		SubmittedAt: entry.EnqueuedAt,
		CompletedAt: time.Now(),
	}
	if failure != nil {
		rec.ErrorMessage = failure.Error()
	}
	if err := p.stores.Completions.Put(ctx, rec); err != nil {
		p.logStageError(stageComplete, entry.Envelope.EventID, err)
	}

	result := completion.Result{
		Status:         status,
		Failure:        failure,
		ProcessingTime: time.Since(start),
	}
	if failure != nil {
		result.ErrorMessage = failure.Error()
	}
	p.tracker.Resolve(entry.SeqKey, result)
}

func (p *pipeline) logStageError(stage, eventID string, err error) {
	if p.logger == nil {
		return
	}
	p.logger.Error("pipeline stage failed",
		slog.String("domain", p.domain),
		slog.String("stage", stage),
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}
