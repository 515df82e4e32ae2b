package outbox

import (
	"context"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// Admin is the operator surface over an engine's dead-letter sink.
type Admin struct {
	outbox   store.Outbox
	deadSink store.DeadLetter
}

// NewAdmin creates the admin surface for one engine's outbox and sink.
func NewAdmin(outbox store.Outbox, deadSink store.DeadLetter) *Admin {
	return &Admin{outbox: outbox, deadSink: deadSink}
}

// ListDLQ returns dead-letter entries, newest failures first.
func (a *Admin) ListDLQ(ctx context.Context, limit, offset int) ([]*store.DeadLetterEntry, error) {
	return a.deadSink.List(ctx, limit, offset)
}

// RetryDLQ moves a dead-letter entry back to the outbox as NEW with its
// attempt count reset, making it eligible for delivery again. The new
// outbox entry gets a fresh entry ID; the envelope (and its EventID)
// is unchanged, so consumer-side dedup still applies.
func (a *Admin) RetryDLQ(ctx context.Context, entryID string) error {
	entry, err := a.deadSink.Get(ctx, entryID)
	if err != nil {
		return err
	}

	if err := a.outbox.Add(ctx, &store.OutboxEntry{
		EntryID:  uuid.New().String(),
		Envelope: entry.Envelope,
		Status:   store.OutboxNew,
	}); err != nil {
		return err
	}

	return a.deadSink.Remove(ctx, entryID)
}

// DismissDLQ permanently discards a dead-letter entry.
func (a *Admin) DismissDLQ(ctx context.Context, entryID string) error {
	return a.deadSink.Remove(ctx, entryID)
}

// DLQSize returns the number of dead-letter entries.
func (a *Admin) DLQSize(ctx context.Context) (int, error) {
	return a.deadSink.Size(ctx)
}
