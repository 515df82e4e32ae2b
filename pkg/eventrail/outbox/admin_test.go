package outbox_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/outbox"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

func deadLetter(t *testing.T, sink store.DeadLetter, entryID, eventID string) {
	t.Helper()
	require.NoError(t, sink.Add(context.Background(), &store.DeadLetterEntry{
		EntryID:   entryID,
		Envelope:  event.New("order.created", "orders", "k", nil, event.WithEventID(eventID)),
		LastError: "delivery to order.created failed",
		FailedAt:  time.Now(),
		Attempts:  5,
	}))
}

// TestRetryDLQ moves an entry back to the outbox as NEW with attempts
// reset and removes it from the sink.
func TestRetryDLQ(t *testing.T) {
	set := store.NewMemorySet()
	admin := outbox.NewAdmin(set.Outbox, set.DeadLetters)
	ctx := context.Background()

	deadLetter(t, set.DeadLetters, "dlq-1", "evt-1")

	require.NoError(t, admin.RetryDLQ(ctx, "dlq-1"))

	size, err := admin.DLQSize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)

	polled, err := set.Outbox.PollNew(ctx, 10)
	require.NoError(t, err)
	require.Len(t, polled, 1)
	assert.Equal(t, "evt-1", polled[0].Envelope.EventID)
	assert.Equal(t, store.OutboxNew, polled[0].Status)
	assert.Equal(t, 0, polled[0].Attempts)
}

// TestRetryDLQMissing surfaces the sink's not-found.
func TestRetryDLQMissing(t *testing.T) {
	set := store.NewMemorySet()
	admin := outbox.NewAdmin(set.Outbox, set.DeadLetters)

	err := admin.RetryDLQ(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// TestDismissDLQ discards the entry permanently.
func TestDismissDLQ(t *testing.T) {
	set := store.NewMemorySet()
	admin := outbox.NewAdmin(set.Outbox, set.DeadLetters)
	ctx := context.Background()

	deadLetter(t, set.DeadLetters, "dlq-1", "evt-1")
	deadLetter(t, set.DeadLetters, "dlq-2", "evt-2")

	require.NoError(t, admin.DismissDLQ(ctx, "dlq-1"))

	entries, err := admin.ListDLQ(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "dlq-2", entries[0].EntryID)

	// The outbox never saw the dismissed event.
	size, err := set.Outbox.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, size)
}
