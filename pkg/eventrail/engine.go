package eventrail

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventrail/pkg/eventrail/completion"
	"github.com/randalmurphal/eventrail/pkg/eventrail/config"
	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/observability"
	"github.com/randalmurphal/eventrail/pkg/eventrail/outbox"
	"github.com/randalmurphal/eventrail/pkg/eventrail/sequence"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// engineConfig collects everything the options can override.
type engineConfig struct {
	stores       *store.Set
	bus          event.Bus
	ownsBus      bool
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
	spans        observability.SpanManager
	replicaID    int
	replicaName  string
	lanes        int
	stageRetry   errors.RetryConfig
	publisherCfg outbox.PublisherConfig
	trackerCfg   completion.TrackerConfig
}

func defaultEngineConfig() engineConfig {
	name, _ := os.Hostname()
	if name == "" {
		name = uuid.New().String()
	}
	return engineConfig{
		replicaID:    -1,
		replicaName:  name,
		lanes:        16,
		stageRetry:   errors.FastRetry,
		publisherCfg: outbox.DefaultPublisherConfig,
		trackerCfg:   completion.DefaultTrackerConfig,
	}
}

// Option configures an Engine.
type Option func(*engineConfig)

// WithStores sets the backing store set. Default: a fresh in-memory set.
func WithStores(set *store.Set) Option {
	return func(c *engineConfig) {
		c.stores = set
	}
}

// WithBus sets the event bus the outbox publishes to. The engine does
// not close a bus it was given; several engines usually share one.
// Default: a private LocalBus, closed with the engine.
func WithBus(bus event.Bus) Option {
	return func(c *engineConfig) {
		c.bus = bus
		c.ownsBus = false
	}
}

// WithLogger sets the structured logger. Default: nil (quiet).
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder. Default: no-op.
func WithMetrics(metrics observability.MetricsRecorder) Option {
	return func(c *engineConfig) {
		c.metrics = metrics
	}
}

// WithSpans sets the span manager for tracing. Default: no-op.
func WithSpans(spans observability.SpanManager) Option {
	return func(c *engineConfig) {
		c.spans = spans
	}
}

// WithReplicaID pins the replica ID stamped into sequence numbers.
// Default: derived from the hostname.
func WithReplicaID(id int) Option {
	return func(c *engineConfig) {
		c.replicaID = id
	}
}

// WithLanes sets the number of per-key pipeline lanes. Default: 16.
func WithLanes(n int) Option {
	return func(c *engineConfig) {
		if n > 0 {
			c.lanes = n
		}
	}
}

// WithStageRetry sets the retry policy for the persist and project
// stages. Default: errors.FastRetry.
func WithStageRetry(retry errors.RetryConfig) Option {
	return func(c *engineConfig) {
		c.stageRetry = retry
	}
}

// WithPublisherConfig overrides the outbox publisher settings.
func WithPublisherConfig(cfg outbox.PublisherConfig) Option {
	return func(c *engineConfig) {
		c.publisherCfg = cfg
	}
}

// WithTrackerConfig overrides the completion tracker settings.
func WithTrackerConfig(cfg completion.TrackerConfig) Option {
	return func(c *engineConfig) {
		c.trackerCfg = cfg
	}
}

// WithConfig applies the runtime keys of a loaded configuration:
// outbox poll interval, outbox attempt budget, and completion TTL.
// Explicit options take precedence when applied after this one.
func WithConfig(cfg config.Config) Option {
	return func(c *engineConfig) {
		c.publisherCfg.PollInterval = cfg.Duration(config.KeyOutboxPollInterval, c.publisherCfg.PollInterval)
		c.publisherCfg.MaxAttempts = cfg.Int(config.KeyOutboxMaxAttempts, c.publisherCfg.MaxAttempts)
		c.trackerCfg.TTL = cfg.Duration(config.KeyCompletionTTL, c.trackerCfg.TTL)
	}
}

// EngineStats is a point-in-time snapshot for admin surfaces.
type EngineStats struct {
	Domain       string        `json:"domain"`
	Events       int64         `json:"events"`
	Views        int           `json:"views"`
	Pending      int           `json:"pending"`
	OutboxDepth  int           `json:"outboxDepth"`
	DeadLetters  int           `json:"deadLetters"`
	InFlight     int           `json:"inFlight"`
	Publisher    outbox.Stats  `json:"publisher"`
}

// Engine is one domain's event-sourcing runtime: the append-only log,
// the materialized views, the six-stage command pipeline, the outbox
// publisher, and the completion tracker, assembled over one store set.
//
// Commands enter through HandleCommand and are processed asynchronously;
// the returned Waiter delivers the terminal outcome. Reads go straight
// to the view store.
type Engine struct {
	domain    string
	projector Projector
	stores    *store.Set
	bus       event.Bus
	ownsBus   bool
	gen       *sequence.Generator
	tracker   *completion.Tracker
	pipe      *pipeline
	publisher *outbox.Publisher
	admin     *outbox.Admin
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewEngine assembles and starts an engine for one domain. The pipeline
// first drains any pending entries a previous process left behind, then
// the outbox publisher starts and the engine accepts commands.
func NewEngine(domain string, projector Projector, opts ...Option) (*Engine, error) {
	if domain == "" {
		return nil, ErrNoDomain
	}
	if projector == nil {
		return nil, ErrNoProjector
	}

	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.stores == nil {
		cfg.stores = store.NewMemorySet()
	}
	if cfg.bus == nil {
		cfg.bus = event.NewBus(event.DefaultBusConfig)
		cfg.ownsBus = true
	}
	if cfg.metrics == nil {
		cfg.metrics = observability.NoopMetrics{}
	}
	if cfg.spans == nil {
		cfg.spans = observability.NoopSpanManager{}
	}
	if cfg.replicaID < 0 {
		cfg.replicaID = sequence.ReplicaIDFromName(cfg.replicaName)
	}

	gen, err := sequence.NewGenerator(cfg.replicaID)
	if err != nil {
		return nil, err
	}

	cfg.trackerCfg.Logger = cfg.logger
	tracker := completion.NewTracker(domain, cfg.stores.Completions, cfg.trackerCfg)

	pipe := newPipeline(domain, cfg.stores, projector, tracker,
		cfg.lanes, cfg.stageRetry, cfg.logger, cfg.metrics, cfg.spans)
	if err := pipe.recover(context.Background()); err != nil {
		pipe.close()
		tracker.Close()
		return nil, err
	}

	cfg.publisherCfg.Logger = cfg.logger
	cfg.publisherCfg.Metrics = cfg.metrics
	replicaName := cfg.replicaName
	publisher := outbox.NewPublisher(domain, replicaName,
		cfg.stores.Outbox, cfg.stores.DeadLetters, cfg.bus, cfg.publisherCfg)
	publisher.Start(context.Background())

	return &Engine{
		domain:    domain,
		projector: projector,
		stores:    cfg.stores,
		bus:       cfg.bus,
		ownsBus:   cfg.ownsBus,
		gen:       gen,
		tracker:   tracker,
		pipe:      pipe,
		publisher: publisher,
		admin:     outbox.NewAdmin(cfg.stores.Outbox, cfg.stores.DeadLetters),
		logger:    cfg.logger,
	}, nil
}

// Domain returns the engine's domain name.
func (e *Engine) Domain() string {
	return e.domain
}

// Bus returns the bus the engine publishes to.
func (e *Engine) Bus() event.Bus {
	return e.bus
}

// DLQ returns the operator surface over the engine's dead-letter sink.
func (e *Engine) DLQ() *outbox.Admin {
	return e.admin
}

// HandleCommand accepts a command for asynchronous processing. On
// return the command is durably buffered and stamped with its sequence
// number; the Waiter resolves when processing reaches a terminal
// status. Await is optional: a caller that drops the waiter simply
// never learns the outcome, the command still completes.
//
// opts decorate the envelope before validation, e.g.
// event.WithCorrelationID to join an existing trace.
func (e *Engine) HandleCommand(ctx context.Context, env *event.Envelope, opts ...event.Option) (*completion.Waiter, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	e.mu.Unlock()

	if env == nil {
		return nil, &errors.ValidationError{Field: "envelope", Message: "envelope is required"}
	}
	for _, opt := range opts {
		opt(env)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}

	seq, err := e.gen.Next()
	if err != nil {
		return nil, err
	}
	seqKey := store.SequenceKey{Sequence: seq, Key: env.Key}

	// The pending write is the durability point: once it returns, a
	// crash cannot lose the command.
	if err := e.stores.Pending.Enqueue(ctx, seqKey, env); err != nil {
		return nil, err
	}
	rec := &store.CompletionRecord{
		SeqKey:      seqKey,
		Status:      store.CompletionPending,
		SubmittedAt: time.Now(),
	}
	if err := e.stores.Completions.Put(ctx, rec); err != nil {
		// Non-fatal: the record is advisory until the pipeline rewrites
		// it at stage 6.
		observability.LogCommandFailed(e.logger, e.domain, env.EventID, "completion_record", err)
	}

	waiter := e.tracker.Register(seqKey)
	observability.LogCommandAccepted(e.logger, e.domain, env.EventID, env.EventType, env.Key)

	accepted := e.pipe.submit(&store.PendingEntry{
		SeqKey:     seqKey,
		Envelope:   env,
		EnqueuedAt: rec.SubmittedAt,
	})
	if !accepted {
		// Lost the race with Close. The command is durably pending and
		// the next startup's recovery will process it; this caller just
		// cannot await it here.
		e.tracker.Discard(seqKey)
		return nil, ErrEngineClosed
	}
	return waiter, nil
}

// View returns the materialized state for a key.
// Returns store.ErrNotFound if the key has none.
func (e *Engine) View(ctx context.Context, key string) (store.State, error) {
	return e.stores.Views.Get(ctx, key)
}

// Query returns all states matching the predicate.
func (e *Engine) Query(ctx context.Context, pred store.Predicate) ([]store.State, error) {
	return e.stores.Views.Query(ctx, pred)
}

// ReplayAll visits every event in the log in sequence order.
func (e *Engine) ReplayAll(ctx context.Context, visit store.Visitor) error {
	return e.stores.Events.ReplayAll(ctx, visit)
}

// ReplayByKey visits every event for one key in sequence order.
func (e *Engine) ReplayByKey(ctx context.Context, key string, visit store.Visitor) error {
	return e.stores.Events.ReplayByKey(ctx, key, visit)
}

// RebuildViews clears the view store and refolds it from the event log.
// Returns the number of events folded. Run it only while the engine is
// quiescent; commands processed mid-rebuild race the clear.
func (e *Engine) RebuildViews(ctx context.Context) (int64, error) {
	done := observability.TimedOperation()
	count, err := RebuildViews(ctx, e.stores.Views, e.stores.Events, e.projector)
	if err != nil {
		return count, err
	}
	observability.LogViewRebuild(e.logger, e.domain, count, done())
	return count, nil
}

// Stats returns a point-in-time snapshot of the engine.
func (e *Engine) Stats(ctx context.Context) (EngineStats, error) {
	events, err := e.stores.Events.Count(ctx)
	if err != nil {
		return EngineStats{}, err
	}
	views, err := e.stores.Views.Size(ctx)
	if err != nil {
		return EngineStats{}, err
	}
	pending, err := e.stores.Pending.Size(ctx)
	if err != nil {
		return EngineStats{}, err
	}
	outboxDepth, err := e.stores.Outbox.Size(ctx)
	if err != nil {
		return EngineStats{}, err
	}
	dead, err := e.stores.DeadLetters.Size(ctx)
	if err != nil {
		return EngineStats{}, err
	}

	return EngineStats{
		Domain:      e.domain,
		Events:      events,
		Views:       views,
		Pending:     pending,
		OutboxDepth: outboxDepth,
		DeadLetters: dead,
		InFlight:    e.tracker.InFlight(),
		Publisher:   e.publisher.Stats(),
	}, nil
}

// DrainOutbox runs one synchronous publisher cycle. Intended for tests
// and single-shot tools that cannot wait out the poll interval.
func (e *Engine) DrainOutbox(ctx context.Context) {
	e.publisher.Drain(ctx)
}

// Close stops the pipeline, publisher, and tracker. Buffered commands
// finish processing first; anything accepted after Close fails with
// ErrEngineClosed. A bus provided by the caller is left open.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.pipe.close()
	e.publisher.Stop()
	e.tracker.Close()

	if e.ownsBus {
		return e.bus.Close()
	}
	return nil
}
