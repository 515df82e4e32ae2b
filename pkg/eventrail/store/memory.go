package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
)

// NewMemorySet creates an in-memory store set. Suitable for testing and
// single-process embedded deployments; nothing survives a restart.
func NewMemorySet() *Set {
	return &Set{
		Events:      NewMemoryEventLog(),
		Views:       NewMemoryViewStore(),
		Pending:     NewMemoryPendingLog(),
		Outbox:      NewMemoryOutbox(),
		DeadLetters: NewMemoryDeadLetter(),
		Completions: NewMemoryCompletions(),
	}
}

// MemoryEventLog is an in-memory EventLog.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events map[SequenceKey]*event.Envelope
	order  []SequenceKey            // sorted by sequence
	byKey  map[string][]SequenceKey // per-key, sorted by sequence
}

// Compile-time interface check.
var _ EventLog = (*MemoryEventLog)(nil)

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{
		events: make(map[SequenceKey]*event.Envelope),
		byKey:  make(map[string][]SequenceKey),
	}
}

// Append implements EventLog.
func (l *MemoryEventLog) Append(_ context.Context, seqKey SequenceKey, env *event.Envelope) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.events[seqKey]; exists {
		return nil // idempotent replay
	}

	l.events[seqKey] = env.Clone()
	l.order = insertSorted(l.order, seqKey)
	l.byKey[seqKey.Key] = insertSorted(l.byKey[seqKey.Key], seqKey)
	return nil
}

// insertSorted keeps the slice ordered by sequence. Appends are almost
// always at the tail, so the common case is O(1).
func insertSorted(keys []SequenceKey, k SequenceKey) []SequenceKey {
	if n := len(keys); n == 0 || keys[n-1].Less(k) {
		return append(keys, k)
	}
	i := sort.Search(len(keys), func(i int) bool { return !keys[i].Less(k) })
	keys = append(keys, SequenceKey{})
	copy(keys[i+1:], keys[i:])
	keys[i] = k
	return keys
}

// Get implements EventLog.
func (l *MemoryEventLog) Get(_ context.Context, seqKey SequenceKey) (*event.Envelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	env, exists := l.events[seqKey]
	if !exists {
		return nil, ErrNotFound
	}
	return env.Clone(), nil
}

// EventsByKey implements EventLog.
func (l *MemoryEventLog) EventsByKey(_ context.Context, key string) ([]*event.Envelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := l.byKey[key]
	result := make([]*event.Envelope, 0, len(keys))
	for _, k := range keys {
		result = append(result, l.events[k].Clone())
	}
	return result, nil
}

// EventsByKeyFrom implements EventLog.
func (l *MemoryEventLog) EventsByKeyFrom(_ context.Context, key string, fromSeq int64) ([]*event.Envelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*event.Envelope
	for _, k := range l.byKey[key] {
		if k.Sequence >= fromSeq {
			result = append(result, l.events[k].Clone())
		}
	}
	return result, nil
}

// ReplayAll implements EventLog.
func (l *MemoryEventLog) ReplayAll(_ context.Context, visit Visitor) error {
	l.mu.RLock()
	order := make([]SequenceKey, len(l.order))
	copy(order, l.order)
	l.mu.RUnlock()

	for _, k := range order {
		l.mu.RLock()
		env := l.events[k]
		l.mu.RUnlock()
		if env == nil {
			continue
		}
		if err := visit(k, env.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// ReplayByKey implements EventLog.
func (l *MemoryEventLog) ReplayByKey(_ context.Context, key string, visit Visitor) error {
	l.mu.RLock()
	keys := make([]SequenceKey, len(l.byKey[key]))
	copy(keys, l.byKey[key])
	l.mu.RUnlock()

	for _, k := range keys {
		l.mu.RLock()
		env := l.events[k]
		l.mu.RUnlock()
		if env == nil {
			continue
		}
		if err := visit(k, env.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Count implements EventLog.
func (l *MemoryEventLog) Count(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.events)), nil
}

// CountByKey implements EventLog.
func (l *MemoryEventLog) CountByKey(_ context.Context, key string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.byKey[key])), nil
}

// LatestSequence implements EventLog.
func (l *MemoryEventLog) LatestSequence(_ context.Context) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.order) == 0 {
		return 0, nil
	}
	return l.order[len(l.order)-1].Sequence, nil
}

// LatestSequenceByKey implements EventLog.
func (l *MemoryEventLog) LatestSequenceByKey(_ context.Context, key string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	keys := l.byKey[key]
	if len(keys) == 0 {
		return 0, nil
	}
	return keys[len(keys)-1].Sequence, nil
}

// MemoryViewStore is an in-memory ViewStore. Per-key atomicity comes from
// a lock per key; distinct keys mutate in parallel.
type MemoryViewStore struct {
	mu     sync.RWMutex
	states map[string]State

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// Compile-time interface check.
var _ ViewStore = (*MemoryViewStore)(nil)

// NewMemoryViewStore creates an empty in-memory view store.
func NewMemoryViewStore() *MemoryViewStore {
	return &MemoryViewStore{
		states: make(map[string]State),
		locks:  make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing mutators for one key. Entries
// are never evicted: the map grows with the store's distinct key
// cardinality and lives for the process lifetime.
func (s *MemoryViewStore) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, exists := s.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Get implements ViewStore.
func (s *MemoryViewStore) Get(_ context.Context, key string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.states[key]
	if !exists {
		return nil, ErrNotFound
	}
	return state.Clone(), nil
}

// Put implements ViewStore.
func (s *MemoryViewStore) Put(_ context.Context, key string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[key] = state.Clone()
	return nil
}

// Remove implements ViewStore.
func (s *MemoryViewStore) Remove(_ context.Context, key string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, exists := s.states[key]
	if !exists {
		return nil, ErrNotFound
	}
	delete(s.states, key)
	return prior, nil
}

// ContainsKey implements ViewStore.
func (s *MemoryViewStore) ContainsKey(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.states[key]
	return exists, nil
}

// Keys implements ViewStore.
func (s *MemoryViewStore) Keys(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.states))
	for k := range s.states {
		keys = append(keys, k)
	}
	return keys, nil
}

// Values implements ViewStore.
func (s *MemoryViewStore) Values(_ context.Context) ([]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]State, 0, len(s.states))
	for _, v := range s.states {
		values = append(values, v.Clone())
	}
	return values, nil
}

// Size implements ViewStore.
func (s *MemoryViewStore) Size(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states), nil
}

// Clear implements ViewStore.
func (s *MemoryViewStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = make(map[string]State)
	return nil
}

// Query implements ViewStore.
func (s *MemoryViewStore) Query(_ context.Context, pred Predicate) ([]State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []State
	for k, v := range s.states {
		if pred(k, v) {
			result = append(result, v.Clone())
		}
	}
	return result, nil
}

// ExecuteOnKey implements ViewStore. The mutator sees a copy of the
// current state, so a failing mutator never corrupts what's stored.
func (s *MemoryViewStore) ExecuteOnKey(_ context.Context, key string, mutate Mutator) (State, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	current := s.states[key].Clone()
	s.mu.RUnlock()

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if next == nil {
		delete(s.states, key)
	} else {
		s.states[key] = next.Clone()
	}
	s.mu.Unlock()

	return next, nil
}

// MemoryPendingLog is an in-memory PendingLog.
type MemoryPendingLog struct {
	mu      sync.Mutex
	entries map[SequenceKey]*PendingEntry
	order   []SequenceKey
}

// Compile-time interface check.
var _ PendingLog = (*MemoryPendingLog)(nil)

// NewMemoryPendingLog creates an empty in-memory pending log.
func NewMemoryPendingLog() *MemoryPendingLog {
	return &MemoryPendingLog{
		entries: make(map[SequenceKey]*PendingEntry),
	}
}

// Enqueue implements PendingLog.
func (p *MemoryPendingLog) Enqueue(_ context.Context, seqKey SequenceKey, env *event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[seqKey]; exists {
		return nil
	}
	p.entries[seqKey] = &PendingEntry{
		SeqKey:     seqKey,
		Envelope:   env.Clone(),
		EnqueuedAt: time.Now(),
	}
	p.order = append(p.order, seqKey)
	return nil
}

// Scan implements PendingLog.
func (p *MemoryPendingLog) Scan(_ context.Context, limit int) ([]*PendingEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []*PendingEntry
	for _, k := range p.order {
		entry, exists := p.entries[k]
		if !exists {
			continue
		}
		result = append(result, entry)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Delete implements PendingLog.
func (p *MemoryPendingLog) Delete(_ context.Context, seqKey SequenceKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[seqKey]; !exists {
		return nil
	}
	delete(p.entries, seqKey)

	// Compact the order slice lazily once deletions dominate.
	if len(p.entries)*2 < len(p.order) {
		compacted := p.order[:0]
		for _, k := range p.order {
			if _, live := p.entries[k]; live {
				compacted = append(compacted, k)
			}
		}
		p.order = compacted
	}
	return nil
}

// Size implements PendingLog.
func (p *MemoryPendingLog) Size(_ context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries), nil
}

// MemoryOutbox is an in-memory Outbox. The claim CAS runs under the same
// mutex, so single-replica deployments exercise the exact protocol the
// shared backends do.
type MemoryOutbox struct {
	mu      sync.Mutex
	entries map[string]*OutboxEntry
	byEvent map[string]string // EventID -> EntryID, for idempotent Add
	order   []string
}

// Compile-time interface check.
var _ Outbox = (*MemoryOutbox)(nil)

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{
		entries: make(map[string]*OutboxEntry),
		byEvent: make(map[string]string),
	}
}

// Add implements Outbox.
func (o *MemoryOutbox) Add(_ context.Context, entry *OutboxEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.byEvent[entry.Envelope.EventID]; exists {
		return nil // pipeline replay after a crash between stages 4 and 5
	}

	stored := *entry
	stored.Envelope = entry.Envelope.Clone()
	if stored.Status == "" {
		stored.Status = OutboxNew
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	o.entries[stored.EntryID] = &stored
	o.byEvent[stored.Envelope.EventID] = stored.EntryID
	o.order = append(o.order, stored.EntryID)
	return nil
}

// PollNew implements Outbox.
func (o *MemoryOutbox) PollNew(_ context.Context, limit int) ([]*OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var result []*OutboxEntry
	for _, id := range o.order {
		entry, exists := o.entries[id]
		if !exists || entry.Status != OutboxNew {
			continue
		}
		copied := *entry
		copied.Envelope = entry.Envelope.Clone()
		result = append(result, &copied)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

// Claim implements Outbox.
func (o *MemoryOutbox) Claim(_ context.Context, entryID, claimedBy string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, exists := o.entries[entryID]
	if !exists || entry.Status != OutboxNew {
		return false, nil
	}
	entry.Status = OutboxClaimed
	entry.ClaimedBy = claimedBy
	entry.ClaimedAt = time.Now()
	entry.Attempts++
	return true, nil
}

// MarkSent implements Outbox.
func (o *MemoryOutbox) MarkSent(_ context.Context, entryID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, exists := o.entries[entryID]
	if !exists {
		return ErrNotFound
	}
	entry.Status = OutboxSent
	return nil
}

// Release implements Outbox.
func (o *MemoryOutbox) Release(_ context.Context, entryID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, exists := o.entries[entryID]
	if !exists {
		return ErrNotFound
	}
	entry.Status = OutboxNew
	entry.ClaimedBy = ""
	entry.ClaimedAt = time.Time{}
	return nil
}

// Get implements Outbox.
func (o *MemoryOutbox) Get(_ context.Context, entryID string) (*OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, exists := o.entries[entryID]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *entry
	copied.Envelope = entry.Envelope.Clone()
	return &copied, nil
}

// Delete implements Outbox.
func (o *MemoryOutbox) Delete(_ context.Context, entryID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, exists := o.entries[entryID]
	if !exists {
		return nil
	}
	delete(o.byEvent, entry.Envelope.EventID)
	delete(o.entries, entryID)
	return nil
}

// DeleteBatch implements Outbox.
func (o *MemoryOutbox) DeleteBatch(ctx context.Context, entryIDs []string) error {
	for _, id := range entryIDs {
		if err := o.Delete(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Size implements Outbox.
func (o *MemoryOutbox) Size(_ context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries), nil
}

// MemoryDeadLetter is an in-memory DeadLetter.
type MemoryDeadLetter struct {
	mu      sync.RWMutex
	entries map[string]*DeadLetterEntry
}

// Compile-time interface check.
var _ DeadLetter = (*MemoryDeadLetter)(nil)

// NewMemoryDeadLetter creates an empty in-memory dead-letter sink.
func NewMemoryDeadLetter() *MemoryDeadLetter {
	return &MemoryDeadLetter{
		entries: make(map[string]*DeadLetterEntry),
	}
}

// Add implements DeadLetter.
func (d *MemoryDeadLetter) Add(_ context.Context, entry *DeadLetterEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stored := *entry
	stored.Envelope = entry.Envelope.Clone()
	if stored.FailedAt.IsZero() {
		stored.FailedAt = time.Now()
	}
	d.entries[stored.EntryID] = &stored
	return nil
}

// List implements DeadLetter.
func (d *MemoryDeadLetter) List(_ context.Context, limit, offset int) ([]*DeadLetterEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	all := make([]*DeadLetterEntry, 0, len(d.entries))
	for _, entry := range d.entries {
		copied := *entry
		copied.Envelope = entry.Envelope.Clone()
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].FailedAt.After(all[j].FailedAt)
	})

	if offset >= len(all) {
		return []*DeadLetterEntry{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// Get implements DeadLetter.
func (d *MemoryDeadLetter) Get(_ context.Context, entryID string) (*DeadLetterEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, exists := d.entries[entryID]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *entry
	copied.Envelope = entry.Envelope.Clone()
	return &copied, nil
}

// Remove implements DeadLetter.
func (d *MemoryDeadLetter) Remove(_ context.Context, entryID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.entries[entryID]; !exists {
		return ErrNotFound
	}
	delete(d.entries, entryID)
	return nil
}

// Size implements DeadLetter.
func (d *MemoryDeadLetter) Size(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries), nil
}

// MemoryCompletions is an in-memory Completions store.
type MemoryCompletions struct {
	mu      sync.RWMutex
	records map[SequenceKey]*CompletionRecord
}

// Compile-time interface check.
var _ Completions = (*MemoryCompletions)(nil)

// NewMemoryCompletions creates an empty in-memory completion store.
func NewMemoryCompletions() *MemoryCompletions {
	return &MemoryCompletions{
		records: make(map[SequenceKey]*CompletionRecord),
	}
}

// Put implements Completions.
func (c *MemoryCompletions) Put(_ context.Context, rec *CompletionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := *rec
	c.records[rec.SeqKey] = &stored
	return nil
}

// Get implements Completions.
func (c *MemoryCompletions) Get(_ context.Context, seqKey SequenceKey) (*CompletionRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, exists := c.records[seqKey]
	if !exists {
		return nil, ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

// DeleteOlderThan implements Completions.
func (c *MemoryCompletions) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for k, rec := range c.records {
		if rec.Status.Terminal() && rec.CompletedAt.Before(cutoff) {
			delete(c.records, k)
			evicted++
		}
	}
	return evicted, nil
}

// Size implements Completions.
func (c *MemoryCompletions) Size(_ context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records), nil
}
