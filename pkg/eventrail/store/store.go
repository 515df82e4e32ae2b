// Package store defines the storage abstraction behind a domain engine:
// the append-only event log, the materialized view store, the pending
// command buffer, the transactional outbox, the dead-letter sink, and the
// completion record store.
//
// Three backends ship with the package:
//   - memory: single-process, no durability (testing, embedded use)
//   - SQLite: single-process durable (modernc.org/sqlite, pure Go)
//   - Postgres: multi-replica shared (lib/pq), claim CAS across replicas
//
// All implementations must be safe for concurrent use. The per-key
// atomicity contract of ViewStore.ExecuteOnKey and the compare-and-set
// contract of Outbox.Claim are the two guarantees the engine's correctness
// rests on; everything else is plain CRUD.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
)

// SequenceKey orders events globally by Sequence and partitions them by Key.
type SequenceKey struct {
	Sequence int64  `json:"sequence"`
	Key      string `json:"key"`
}

// Less reports whether k orders before other.
func (k SequenceKey) Less(other SequenceKey) bool {
	return k.Sequence < other.Sequence
}

// State is a materialized projection for one domain key.
type State map[string]any

// Clone returns a one-level-deep copy of the state.
// Nested values are shared; treat them as immutable.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// Visitor receives events during replay, in sequence order.
// Returning an error stops the replay.
type Visitor func(seqKey SequenceKey, env *event.Envelope) error

// EventLog is the append-only record of everything a domain has accepted.
type EventLog interface {
	// Append writes an event under its sequence key. Appending the same
	// sequence key twice is a no-op, which makes pipeline replay safe.
	Append(ctx context.Context, seqKey SequenceKey, env *event.Envelope) error

	// Get retrieves one event. Returns ErrNotFound if absent.
	Get(ctx context.Context, seqKey SequenceKey) (*event.Envelope, error)

	// EventsByKey returns all events for a key, ordered by sequence.
	EventsByKey(ctx context.Context, key string) ([]*event.Envelope, error)

	// EventsByKeyFrom returns events for a key with sequence >= fromSeq,
	// ordered by sequence.
	EventsByKeyFrom(ctx context.Context, key string, fromSeq int64) ([]*event.Envelope, error)

	// ReplayAll visits every event in sequence order.
	ReplayAll(ctx context.Context, visit Visitor) error

	// ReplayByKey visits every event for a key in sequence order.
	ReplayByKey(ctx context.Context, key string, visit Visitor) error

	// Count returns the total number of events.
	Count(ctx context.Context) (int64, error)

	// CountByKey returns the number of events for a key.
	CountByKey(ctx context.Context, key string) (int64, error)

	// LatestSequence returns the highest sequence in the log, 0 when empty.
	LatestSequence(ctx context.Context) (int64, error)

	// LatestSequenceByKey returns the highest sequence for a key, 0 when none.
	LatestSequenceByKey(ctx context.Context, key string) (int64, error)
}

// Mutator computes the next state for a key inside ExecuteOnKey.
// current is nil when the key has no state. Returning nil deletes the
// entry; returning an error aborts without mutating.
type Mutator func(current State) (State, error)

// Predicate filters states during a Query scan.
type Predicate func(key string, state State) bool

// ViewStore maps domain keys to their current projection.
type ViewStore interface {
	// Get returns the state for a key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (State, error)

	// Put stores the state for a key, replacing any prior state.
	Put(ctx context.Context, key string, state State) error

	// Remove deletes the state for a key and returns the prior state,
	// or ErrNotFound if the key had none.
	Remove(ctx context.Context, key string) (State, error)

	// ContainsKey reports whether a key has state.
	ContainsKey(ctx context.Context, key string) (bool, error)

	// Keys returns all keys with state, in no particular order.
	Keys(ctx context.Context) ([]string, error)

	// Values returns all states, in no particular order.
	Values(ctx context.Context) ([]State, error)

	// Size returns the number of keys with state.
	Size(ctx context.Context) (int, error)

	// Clear removes all state.
	Clear(ctx context.Context) error

	// Query returns all states matching the predicate (linear scan).
	Query(ctx context.Context, pred Predicate) ([]State, error)

	// ExecuteOnKey runs the mutator under the per-key atomicity contract:
	// no other mutator runs for the same key concurrently, and after it
	// returns, Get reflects its result until the next mutation. Mutators
	// for distinct keys may run in parallel.
	ExecuteOnKey(ctx context.Context, key string, mutate Mutator) (State, error)
}

// PendingEntry is one command waiting in the pipeline's ingress buffer.
type PendingEntry struct {
	SeqKey     SequenceKey     `json:"seqKey"`
	Envelope   *event.Envelope `json:"envelope"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// PendingLog buffers accepted commands until the pipeline drains them.
// Entries surviving a crash are re-scanned at startup, which is where the
// at-least-once processing guarantee comes from.
type PendingLog interface {
	// Enqueue appends an entry. Enqueueing the same sequence key twice
	// is a no-op.
	Enqueue(ctx context.Context, seqKey SequenceKey, env *event.Envelope) error

	// Scan returns up to limit entries, oldest first. limit <= 0 means all.
	Scan(ctx context.Context, limit int) ([]*PendingEntry, error)

	// Delete removes an entry. Deleting an absent entry is a no-op.
	Delete(ctx context.Context, seqKey SequenceKey) error

	// Size returns the number of buffered entries.
	Size(ctx context.Context) (int, error)
}

// OutboxStatus is the lifecycle state of an outbox entry.
type OutboxStatus string

// Outbox entry statuses.
const (
	OutboxNew     OutboxStatus = "NEW"
	OutboxClaimed OutboxStatus = "CLAIMED"
	OutboxSent    OutboxStatus = "SENT"
	OutboxFailed  OutboxStatus = "FAILED"
)

// OutboxEntry is one event awaiting delivery to the bus.
type OutboxEntry struct {
	EntryID   string          `json:"entryId"`
	Envelope  *event.Envelope `json:"envelope"`
	Status    OutboxStatus    `json:"status"`
	ClaimedBy string          `json:"claimedBy,omitempty"`
	ClaimedAt time.Time       `json:"claimedAt,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Outbox is the durable buffer between the pipeline's publish stage and
// the bus. Claim is the cross-replica deduplication point.
type Outbox interface {
	// Add inserts an entry with status NEW. Adding an entry whose
	// envelope EventID is already present is a no-op.
	Add(ctx context.Context, entry *OutboxEntry) error

	// PollNew returns up to limit NEW entries, oldest first.
	PollNew(ctx context.Context, limit int) ([]*OutboxEntry, error)

	// Claim atomically transitions an entry from NEW to CLAIMED,
	// recording the claimer. Returns false when the entry is no longer
	// NEW (another replica won, or it was already handled).
	Claim(ctx context.Context, entryID, claimedBy string) (bool, error)

	// MarkSent transitions an entry to SENT.
	MarkSent(ctx context.Context, entryID string) error

	// Release returns a CLAIMED entry to NEW and increments its attempt
	// count, making it eligible for another claim.
	Release(ctx context.Context, entryID string) error

	// Get retrieves one entry. Returns ErrNotFound if absent.
	Get(ctx context.Context, entryID string) (*OutboxEntry, error)

	// Delete removes an entry. Deleting an absent entry is a no-op.
	Delete(ctx context.Context, entryID string) error

	// DeleteBatch removes several entries at once. The publisher uses it
	// to clear a poll cycle's SENT entries in one round trip.
	DeleteBatch(ctx context.Context, entryIDs []string) error

	// Size returns the number of entries in any status.
	Size(ctx context.Context) (int, error)
}

// DeadLetterEntry is an event that exhausted its delivery or processing
// budget and needs operator attention.
type DeadLetterEntry struct {
	EntryID   string          `json:"entryId"`
	Envelope  *event.Envelope `json:"envelope"`
	LastError string          `json:"lastError"`
	FailedAt  time.Time       `json:"failedAt"`
	Attempts  int             `json:"attempts"`
}

// DeadLetter is the sink for exhausted entries. Entries persist until an
// operator retries or dismisses them.
type DeadLetter interface {
	// Add inserts an entry. Adding a duplicate EntryID overwrites it.
	Add(ctx context.Context, entry *DeadLetterEntry) error

	// List returns entries ordered by FailedAt descending.
	List(ctx context.Context, limit, offset int) ([]*DeadLetterEntry, error)

	// Get retrieves one entry. Returns ErrNotFound if absent.
	Get(ctx context.Context, entryID string) (*DeadLetterEntry, error)

	// Remove deletes an entry. Returns ErrNotFound if absent.
	Remove(ctx context.Context, entryID string) error

	// Size returns the number of entries.
	Size(ctx context.Context) (int, error)
}

// CompletionStatus is the lifecycle state of a command.
type CompletionStatus string

// Completion statuses.
const (
	CompletionPending    CompletionStatus = "PENDING"
	CompletionProcessing CompletionStatus = "PROCESSING"
	CompletionCompleted  CompletionStatus = "COMPLETED"
	CompletionFailed     CompletionStatus = "FAILED"
)

// Terminal reports whether the status is COMPLETED or FAILED.
func (s CompletionStatus) Terminal() bool {
	return s == CompletionCompleted || s == CompletionFailed
}

// CompletionRecord is the persisted outcome of one command.
type CompletionRecord struct {
	SeqKey       SequenceKey      `json:"seqKey"`
	Status       CompletionStatus `json:"status"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	SubmittedAt  time.Time        `json:"submittedAt"`
	CompletedAt  time.Time        `json:"completedAt,omitempty"`
}

// Completions stores command outcomes. Records are evicted after a
// configurable TTL; they exist for replay dedup and admin inspection,
// not as history (the event log is the history).
type Completions interface {
	// Put inserts or replaces a record.
	Put(ctx context.Context, rec *CompletionRecord) error

	// Get retrieves the record for a sequence key. Returns ErrNotFound
	// if absent.
	Get(ctx context.Context, seqKey SequenceKey) (*CompletionRecord, error)

	// DeleteOlderThan evicts terminal records completed before the
	// cutoff. Returns the number evicted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Size returns the number of records.
	Size(ctx context.Context) (int, error)
}

// Set bundles the six stores one engine owns. Backends construct the
// whole set so all six share a connection and a domain prefix.
type Set struct {
	Events      EventLog
	Views       ViewStore
	Pending     PendingLog
	Outbox      Outbox
	DeadLetters DeadLetter
	Completions Completions
}

// Sentinel errors for store operations.
var (
	// ErrNotFound indicates the requested entry doesn't exist.
	ErrNotFound = errors.New("store: entry not found")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store: closed")
)
