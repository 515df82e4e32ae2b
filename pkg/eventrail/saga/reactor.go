package saga

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// ProcessedSet remembers which events a listener has already handled,
// making choreography reactions idempotent under at-least-once delivery.
// The reactor checks Seen before handling and calls Mark after, so a
// pair is recorded only once its reaction finished.
type ProcessedSet interface {
	// Seen reports whether (listener, eventID) was already recorded.
	Seen(ctx context.Context, listener, eventID string) (bool, error)

	// Mark records (listener, eventID) and reports whether this is the
	// first time the pair was recorded.
	Mark(ctx context.Context, listener, eventID string) (first bool, err error)

	// Size returns the number of recorded pairs.
	Size(ctx context.Context) (int, error)
}

// MemoryProcessedSet is an in-process ProcessedSet.
type MemoryProcessedSet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

var _ ProcessedSet = (*MemoryProcessedSet)(nil)

// NewMemoryProcessedSet creates an empty in-memory set.
func NewMemoryProcessedSet() *MemoryProcessedSet {
	return &MemoryProcessedSet{seen: make(map[string]struct{})}
}

// Seen reports whether the pair was already recorded.
func (s *MemoryProcessedSet) Seen(_ context.Context, listener, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[listener+"\x00"+eventID]
	return ok, nil
}

// Mark records the pair and reports first sight.
func (s *MemoryProcessedSet) Mark(_ context.Context, listener, eventID string) (bool, error) {
	key := listener + "\x00" + eventID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = struct{}{}
	return true, nil
}

// Size returns the number of recorded pairs.
func (s *MemoryProcessedSet) Size(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen), nil
}

// SQLProcessedSet is a ProcessedSet backed by a processed_events table,
// shared by every replica of a listener's service. The insert's conflict
// clause is the dedup: exactly one replica sees first == true.
type SQLProcessedSet struct {
	db       *sql.DB
	postgres bool
}

var _ ProcessedSet = (*SQLProcessedSet)(nil)

// NewSQLiteProcessedSet creates the processed_events table on a SQLite
// handle.
func NewSQLiteProcessedSet(db *sql.DB) (*SQLProcessedSet, error) {
	s := &SQLProcessedSet{db: db}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresProcessedSet creates the processed_events table on a
// Postgres pool.
func NewPostgresProcessedSet(db *sql.DB) (*SQLProcessedSet, error) {
	s := &SQLProcessedSet{db: db, postgres: true}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLProcessedSet) createTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_events (
			listener     TEXT NOT NULL,
			event_id     TEXT NOT NULL,
			processed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (listener, event_id)
		)`)
	if err != nil {
		return fmt.Errorf("failed to create processed_events table: %w", err)
	}
	return nil
}

// Seen reports whether the pair was already recorded.
func (s *SQLProcessedSet) Seen(ctx context.Context, listener, eventID string) (bool, error) {
	query := `SELECT COUNT(*) FROM processed_events WHERE listener = ? AND event_id = ?`
	if s.postgres {
		query = `SELECT COUNT(*) FROM processed_events WHERE listener = $1 AND event_id = $2`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, listener, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to check event %s: %w", eventID, err)
	}
	return n > 0, nil
}

// Mark inserts the pair; a conflict means another delivery (or replica)
// got there first.
func (s *SQLProcessedSet) Mark(ctx context.Context, listener, eventID string) (bool, error) {
	query := `INSERT INTO processed_events (listener, event_id, processed_at)
		VALUES (?, ?, ?) ON CONFLICT (listener, event_id) DO NOTHING`
	if s.postgres {
		query = `INSERT INTO processed_events (listener, event_id, processed_at)
			VALUES ($1, $2, $3) ON CONFLICT (listener, event_id) DO NOTHING`
	}

	res, err := s.db.ExecContext(ctx, query, listener, eventID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s processed: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Size returns the number of recorded pairs.
func (s *SQLProcessedSet) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM processed_events`).Scan(&n)
	return n, err
}

// DeleteOlderThan prunes pairs processed before the cutoff. Safe once
// the bus's redelivery window has passed; pruning earlier reopens the
// duplicate-reaction window for in-flight redeliveries.
func (s *SQLProcessedSet) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM processed_events WHERE processed_at < ?`
	if s.postgres {
		query = `DELETE FROM processed_events WHERE processed_at < $1`
	}
	res, err := s.db.ExecContext(ctx, query, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Listener declares one choreography reaction: a handler invoked for
// events of the given types, exactly once per event ID.
type Listener struct {
	// Name identifies the listener; it scopes the idempotency set, so
	// two listeners can each react once to the same event.
	Name string

	// Topics are the event types reacted to.
	Topics []string

	// Handler processes the event. Returned envelopes are published back
	// to the bus as follow-up events.
	Handler event.Handler

	// Timeout bounds one handler invocation. Zero means the reactor
	// default.
	Timeout time.Duration

	// Retry governs handler retries. Zero value means DefaultRetry.
	Retry errors.RetryConfig
}

// ReactorConfig configures a Reactor.
type ReactorConfig struct {
	// DefaultTimeout bounds handlers that declare none. Default: 30s.
	DefaultTimeout time.Duration

	// Logger receives handler failures. Nil disables logging.
	Logger *slog.Logger
}

// Reactor wires choreography listeners onto an event bus. Each incoming
// event is checked against the processed set, handled with the
// listener's timeout and retry budget, and dead-lettered when the
// budget is spent. Follow-up envelopes returned by handlers are
// published back to the bus.
type Reactor struct {
	bus       event.Bus
	processed ProcessedSet
	deadSink  store.DeadLetter
	cfg       ReactorConfig

	mu        sync.Mutex
	listeners map[string]event.Subscription
	closed    bool
}

// NewReactor creates a reactor over the given bus. deadSink receives
// events whose handler exhausted its retries; nil drops them with a log
// line only.
func NewReactor(bus event.Bus, processed ProcessedSet, deadSink store.DeadLetter, cfg ReactorConfig) *Reactor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Reactor{
		bus:       bus,
		processed: processed,
		deadSink:  deadSink,
		cfg:       cfg,
		listeners: make(map[string]event.Subscription),
	}
}

// Register subscribes a listener. Listener names must be unique within
// a reactor.
func (r *Reactor) Register(l Listener) error {
	if l.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "listener name is required"}
	}
	if len(l.Topics) == 0 {
		return &errors.ValidationError{Field: "topics", Message: "listener needs at least one topic"}
	}
	if l.Handler == nil {
		return &errors.ValidationError{Field: "handler", Message: "listener handler is required"}
	}
	if l.Retry.MaxAttempts == 0 {
		l.Retry = errors.DefaultRetry
	}
	if l.Timeout <= 0 {
		l.Timeout = r.cfg.DefaultTimeout
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return stderrors.New("reactor is closed")
	}
	if _, exists := r.listeners[l.Name]; exists {
		return &errors.ValidationError{Field: "name", Message: fmt.Sprintf("listener %q already registered", l.Name)}
	}

	sub := r.bus.Subscribe(l.Topics, event.HandlerFunc(
		func(ctx context.Context, env *event.Envelope) ([]*event.Envelope, error) {
			r.dispatch(ctx, l, env)
			// Follow-ups are published by dispatch after the processed
			// mark, not through the bus's own fan-out return path.
			return nil, nil
		}))
	r.listeners[l.Name] = sub
	return nil
}

// Unsubscribe detaches one listener.
func (r *Reactor) Unsubscribe(name string) {
	r.mu.Lock()
	sub, ok := r.listeners[name]
	if ok {
		delete(r.listeners, name)
	}
	r.mu.Unlock()

	if ok {
		sub.Unsubscribe()
	}
}

// Close detaches every listener.
func (r *Reactor) Close() {
	r.mu.Lock()
	subs := make([]event.Subscription, 0, len(r.listeners))
	for _, sub := range r.listeners {
		subs = append(subs, sub)
	}
	r.listeners = make(map[string]event.Subscription)
	r.closed = true
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// dispatch handles one delivery for one listener. The processed set is
// checked before handling and written after the reaction finished, so a
// crash inside the window leaves the pair unrecorded and the broker's
// redelivery re-runs the handler: reactions stay at-least-once across a
// crash, at the price of a rare duplicate reaction when replicas race
// the same event through the window.
func (r *Reactor) dispatch(ctx context.Context, l Listener, env *event.Envelope) {
	seen, err := r.processed.Seen(ctx, l.Name, env.EventID)
	if err != nil {
		r.logError(l.Name, env, "idempotency check failed", err)
		return
	}
	if seen {
		// Redelivery; an earlier delivery already reacted.
		return
	}

	result := errors.WithRetryContext(ctx, l.Retry, func(ctx context.Context) ([]*event.Envelope, error) {
		handleCtx, cancel := context.WithTimeout(ctx, l.Timeout)
		defer cancel()
		return l.Handler.Handle(handleCtx, env)
	})
	if result.Err != nil {
		r.deadLetter(ctx, l, env, result.Attempts, result.Err)
		r.mark(ctx, l.Name, env)
		return
	}

	for _, followUp := range result.Value {
		if followUp.CorrelationID == "" {
			followUp.CorrelationID = env.CorrelationID
		}
		if followUp.Saga == nil && env.Saga != nil {
			block := *env.Saga
			followUp.Saga = &block
		}
		if err := r.bus.Publish(ctx, followUp); err != nil {
			r.logError(l.Name, followUp, "follow-up publish failed", err)
		}
	}
	r.mark(ctx, l.Name, env)
}

// mark records the pair once its reaction (or dead-lettering) is done.
func (r *Reactor) mark(ctx context.Context, listener string, env *event.Envelope) {
	if _, err := r.processed.Mark(ctx, listener, env.EventID); err != nil {
		r.logError(listener, env, "idempotency mark failed", err)
	}
}

// deadLetter parks an event whose handler budget is spent.
func (r *Reactor) deadLetter(ctx context.Context, l Listener, env *event.Envelope, attempts int, cause error) {
	failure := errors.AsFailure(&errors.HandlerError{
		Handler: l.Name,
		Err:     cause,
	})
	failure.EventID = env.EventID
	failure.Attempts = attempts

	r.logError(l.Name, env, "handler exhausted retries", cause)

	if r.deadSink == nil {
		return
	}
	err := r.deadSink.Add(ctx, &store.DeadLetterEntry{
		EntryID:   l.Name + ":" + env.EventID,
		Envelope:  env,
		LastError: failure.Encode(),
		FailedAt:  time.Now(),
		Attempts:  attempts,
	})
	if err != nil {
		r.logError(l.Name, env, "dead letter failed", err)
	}
}

func (r *Reactor) logError(listener string, env *event.Envelope, msg string, err error) {
	if r.cfg.Logger == nil {
		return
	}
	r.cfg.Logger.Error(msg,
		slog.String("listener", listener),
		slog.String("event_id", env.EventID),
		slog.String("event_type", env.EventType),
		slog.String("error", err.Error()),
	)
}
