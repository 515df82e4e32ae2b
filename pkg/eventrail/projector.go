package eventrail

import (
	"context"
	"fmt"

	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// Projector folds one event into a key's materialized state. current is
// nil when the key has no state yet; returning nil deletes the entry.
// Returning an error fails the event's pipeline run: a ConflictError
// rejects it permanently, anything else is retried per the pipeline's
// retry budget.
//
// Projectors must be pure with respect to (current, env): the pipeline
// may re-run them during crash replay and view rebuilds, and the view
// must fold to the same result.
type Projector interface {
	Project(ctx context.Context, current store.State, env *event.Envelope) (store.State, error)
}

// ProjectorFunc adapts a function to the Projector interface.
type ProjectorFunc func(ctx context.Context, current store.State, env *event.Envelope) (store.State, error)

// Project implements Projector.
func (f ProjectorFunc) Project(ctx context.Context, current store.State, env *event.Envelope) (store.State, error) {
	return f(ctx, current, env)
}

// RebuildViews clears a view store and refolds it from the event log.
// The result is deterministic: the log's sequence order fixes the fold
// order, so two rebuilds from the same log produce identical views.
func RebuildViews(ctx context.Context, views store.ViewStore, log store.EventLog, projector Projector) (int64, error) {
	if err := views.Clear(ctx); err != nil {
		return 0, fmt.Errorf("failed to clear views: %w", err)
	}

	var count int64
	err := log.ReplayAll(ctx, func(seqKey store.SequenceKey, env *event.Envelope) error {
		_, err := views.ExecuteOnKey(ctx, seqKey.Key, func(current store.State) (store.State, error) {
			return projector.Project(ctx, current, env)
		})
		if err != nil {
			// Rejected events stay in the log without touching the view.
			// Live processing skipped them; replay must fold identically.
			if errors.Categorize(err) == errors.KindConflict {
				return nil
			}
			return fmt.Errorf("rebuild at seq %d key %s: %w", seqKey.Sequence, seqKey.Key, err)
		}
		count++
		return nil
	})
	return count, err
}
