package saga_test

import (
	"context"
	"database/sql"
	stderrors "errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/saga"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// fastRetry keeps test retries quick and unconditionally retryable.
var fastRetry = errors.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	BackoffFactor:  2.0,
	RetryableFunc:  func(error) bool { return true },
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func newReactor(t *testing.T, deadSink store.DeadLetter) (*saga.Reactor, *event.LocalBus) {
	t.Helper()
	bus := event.NewBus(event.DefaultBusConfig)
	t.Cleanup(func() { bus.Close() })

	r := saga.NewReactor(bus, saga.NewMemoryProcessedSet(), deadSink, saga.ReactorConfig{
		DefaultTimeout: time.Second,
	})
	t.Cleanup(r.Close)
	return r, bus
}

// TestReactorReacts delivers a matching event to the listener once.
func TestReactorReacts(t *testing.T) {
	r, bus := newReactor(t, nil)

	var handled atomic.Int32
	require.NoError(t, r.Register(saga.Listener{
		Name:   "stock-reserver",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			handled.Add(1)
			return nil, nil
		}),
	}))

	require.NoError(t, bus.Publish(context.Background(),
		event.New("order.created", "orders", "ord-1", nil)))
	require.NoError(t, bus.Publish(context.Background(),
		event.New("order.shipped", "orders", "ord-1", nil)))

	waitFor(t, func() bool { return handled.Load() == 1 })
	// The non-matching topic never arrives.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load())
}

// TestReactorIdempotent handles redeliveries of one event ID exactly
// once.
func TestReactorIdempotent(t *testing.T) {
	r, bus := newReactor(t, nil)

	var handled atomic.Int32
	require.NoError(t, r.Register(saga.Listener{
		Name:   "stock-reserver",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			handled.Add(1)
			return nil, nil
		}),
	}))

	env := event.New("order.created", "orders", "ord-1", nil)
	for i := 0; i < 3; i++ {
		redelivery := env.Clone()
		require.NoError(t, bus.Publish(context.Background(), redelivery))
	}

	waitFor(t, func() bool { return handled.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), handled.Load(), "redeliveries must not re-trigger the handler")
}

// TestReactorTwoListenersEachReact: the idempotency set is scoped per
// listener, not global.
func TestReactorTwoListenersEachReact(t *testing.T) {
	r, bus := newReactor(t, nil)

	var reserver, notifier atomic.Int32
	require.NoError(t, r.Register(saga.Listener{
		Name:   "stock-reserver",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			reserver.Add(1)
			return nil, nil
		}),
	}))
	require.NoError(t, r.Register(saga.Listener{
		Name:   "customer-notifier",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			notifier.Add(1)
			return nil, nil
		}),
	}))

	require.NoError(t, bus.Publish(context.Background(),
		event.New("order.created", "orders", "ord-1", nil)))

	waitFor(t, func() bool { return reserver.Load() == 1 && notifier.Load() == 1 })
}

// TestReactorRetryThenSuccess recovers from transient handler failures
// within the budget; nothing is dead-lettered.
func TestReactorRetryThenSuccess(t *testing.T) {
	set := store.NewMemorySet()
	r, bus := newReactor(t, set.DeadLetters)

	var attempts atomic.Int32
	require.NoError(t, r.Register(saga.Listener{
		Name:   "stock-reserver",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			if attempts.Add(1) < 3 {
				return nil, stderrors.New("warehouse unreachable")
			}
			return nil, nil
		}),
	}))

	require.NoError(t, bus.Publish(context.Background(),
		event.New("order.created", "orders", "ord-1", nil)))

	waitFor(t, func() bool { return attempts.Load() == 3 })
	size, err := set.DeadLetters.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}

// TestReactorDeadLetters parks the event after the retry budget with the
// listener-scoped entry ID.
func TestReactorDeadLetters(t *testing.T) {
	set := store.NewMemorySet()
	r, bus := newReactor(t, set.DeadLetters)

	var attempts atomic.Int32
	require.NoError(t, r.Register(saga.Listener{
		Name:   "stock-reserver",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			attempts.Add(1)
			return nil, stderrors.New("warehouse unreachable")
		}),
	}))

	env := event.New("order.created", "orders", "ord-1", nil)
	require.NoError(t, bus.Publish(context.Background(), env))

	waitFor(t, func() bool {
		size, err := set.DeadLetters.Size(context.Background())
		return err == nil && size == 1
	})

	dead, err := set.DeadLetters.List(context.Background(), 10, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "stock-reserver:"+env.EventID, dead[0].EntryID)
	assert.Equal(t, env.EventID, dead[0].Envelope.EventID)
	assert.Equal(t, 3, dead[0].Attempts)
	assert.Contains(t, dead[0].LastError, "warehouse unreachable")

	// Dead-lettering records the pair; a redelivery neither retries nor
	// parks it again.
	require.NoError(t, bus.Publish(context.Background(), env.Clone()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(3), attempts.Load())
	size, err := set.DeadLetters.Size(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, size)
}

// forgetfulSet drops its first Mark, mimicking a process that died
// after reacting but before the record landed.
type forgetfulSet struct {
	*saga.MemoryProcessedSet
	dropped atomic.Bool
}

func (s *forgetfulSet) Mark(ctx context.Context, listener, eventID string) (bool, error) {
	if s.dropped.CompareAndSwap(false, true) {
		return true, nil
	}
	return s.MemoryProcessedSet.Mark(ctx, listener, eventID)
}

// TestReactorRehandlesWhenMarkLost: the pair is recorded only after the
// reaction, so a delivery whose record never landed is handled again on
// redelivery instead of being silently suppressed.
func TestReactorRehandlesWhenMarkLost(t *testing.T) {
	bus := event.NewBus(event.DefaultBusConfig)
	t.Cleanup(func() { bus.Close() })

	set := &forgetfulSet{MemoryProcessedSet: saga.NewMemoryProcessedSet()}
	r := saga.NewReactor(bus, set, nil, saga.ReactorConfig{DefaultTimeout: time.Second})
	t.Cleanup(r.Close)

	var handled atomic.Int32
	require.NoError(t, r.Register(saga.Listener{
		Name:   "stock-reserver",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			handled.Add(1)
			return nil, nil
		}),
	}))

	env := event.New("order.created", "orders", "ord-1", nil)
	require.NoError(t, bus.Publish(context.Background(), env))
	waitFor(t, func() bool { return handled.Load() == 1 })

	// The first mark was lost; the redelivery reacts again.
	require.NoError(t, bus.Publish(context.Background(), env.Clone()))
	waitFor(t, func() bool { return handled.Load() == 2 })

	// The second mark landed; further redeliveries are suppressed.
	require.NoError(t, bus.Publish(context.Background(), env.Clone()))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), handled.Load())
}

// TestReactorFollowUps publishes handler output back to the bus with the
// correlation chain intact.
func TestReactorFollowUps(t *testing.T) {
	r, bus := newReactor(t, nil)

	var (
		mu       sync.Mutex
		followUp *event.Envelope
	)
	sub := bus.Subscribe([]string{"stock.reserved"}, event.HandlerFunc(
		func(_ context.Context, env *event.Envelope) ([]*event.Envelope, error) {
			mu.Lock()
			followUp = env
			mu.Unlock()
			return nil, nil
		}))
	t.Cleanup(sub.Unsubscribe)

	require.NoError(t, r.Register(saga.Listener{
		Name:   "stock-reserver",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, env *event.Envelope) ([]*event.Envelope, error) {
			return []*event.Envelope{
				event.New("stock.reserved", "products", env.Key, nil),
			}, nil
		}),
	}))

	trigger := event.New("order.created", "orders", "ord-1", nil,
		event.WithCorrelationID("corr-1"),
		event.WithSaga("saga-1", "checkout", 2, false))
	require.NoError(t, bus.Publish(context.Background(), trigger))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return followUp != nil
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "corr-1", followUp.CorrelationID, "follow-up inherits the trigger's correlation")
	assert.Equal(t, "saga-1", followUp.SagaID(), "follow-up inherits the trigger's saga block")
	assert.Equal(t, "ord-1", followUp.Key)
}

// TestReactorRegisterValidation rejects incomplete listeners and
// duplicate names.
func TestReactorRegisterValidation(t *testing.T) {
	r, _ := newReactor(t, nil)
	handler := event.HandlerFunc(func(context.Context, *event.Envelope) ([]*event.Envelope, error) {
		return nil, nil
	})

	assert.Error(t, r.Register(saga.Listener{Topics: []string{"a"}, Handler: handler}))
	assert.Error(t, r.Register(saga.Listener{Name: "x", Handler: handler}))
	assert.Error(t, r.Register(saga.Listener{Name: "x", Topics: []string{"a"}}))

	require.NoError(t, r.Register(saga.Listener{Name: "x", Topics: []string{"a"}, Handler: handler}))
	assert.Error(t, r.Register(saga.Listener{Name: "x", Topics: []string{"b"}, Handler: handler}),
		"duplicate listener name")
}

// TestReactorUnsubscribe stops delivery to a detached listener.
func TestReactorUnsubscribe(t *testing.T) {
	r, bus := newReactor(t, nil)

	var handled atomic.Int32
	require.NoError(t, r.Register(saga.Listener{
		Name:   "stock-reserver",
		Topics: []string{"order.created"},
		Retry:  fastRetry,
		Handler: event.HandlerFunc(func(_ context.Context, _ *event.Envelope) ([]*event.Envelope, error) {
			handled.Add(1)
			return nil, nil
		}),
	}))

	r.Unsubscribe("stock-reserver")
	require.NoError(t, bus.Publish(context.Background(),
		event.New("order.created", "orders", "ord-1", nil)))

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), handled.Load())

	// Closing twice and unsubscribing unknown names are no-ops.
	r.Unsubscribe("nope")
	r.Close()
}

// TestSQLProcessedSetFirstSight: only the first Mark of a pair reports
// first == true, across listener scopes.
func TestSQLProcessedSetFirstSight(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "processed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	set, err := saga.NewSQLiteProcessedSet(db)
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := set.Seen(ctx, "stock-reserver", "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	first, err := set.Mark(ctx, "stock-reserver", "evt-1")
	require.NoError(t, err)
	assert.True(t, first)

	seen, err = set.Seen(ctx, "stock-reserver", "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)

	first, err = set.Mark(ctx, "stock-reserver", "evt-1")
	require.NoError(t, err)
	assert.False(t, first, "second sight of the same pair")

	first, err = set.Mark(ctx, "customer-notifier", "evt-1")
	require.NoError(t, err)
	assert.True(t, first, "another listener sees the event fresh")

	size, err := set.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, size)

	// Pruning with a future cutoff clears everything; the pairs become
	// markable again.
	pruned, err := set.DeleteOlderThan(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)

	first, err = set.Mark(ctx, "stock-reserver", "evt-1")
	require.NoError(t, err)
	assert.True(t, first)
}
