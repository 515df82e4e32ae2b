package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
)

// SQLiteSet is a durable store set backed by one SQLite file. Suitable
// for single-process production use; the claim CAS still runs through
// SQL so behavior matches the shared backends.
type SQLiteSet struct {
	*Set
	db *sql.DB
}

// NewSQLiteSet opens (or creates) the store set for one domain. The path
// should be a file path or ":memory:" for testing. All six tables carry
// the domain prefix, so multiple engines can share one file.
func NewSQLiteSet(path, domain string) (*SQLiteSet, error) {
	if err := validateDomain(domain); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := createSQLiteTables(db, domain); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteSet{
		Set: &Set{
			Events:      &sqliteEventLog{db: db, table: domain + "_es"},
			Views:       newSQLiteViewStore(db, domain+"_view"),
			Pending:     &sqlitePendingLog{db: db, table: domain + "_pending"},
			Outbox:      &sqliteOutbox{db: db, table: domain + "_outbox"},
			DeadLetters: &sqliteDeadLetter{db: db, table: domain + "_dlq"},
			Completions: &sqliteCompletions{db: db, table: domain + "_completions"},
		},
		db: db,
	}, nil
}

// DB exposes the underlying handle for admin queries and tests.
func (s *SQLiteSet) DB() *sql.DB {
	return s.db
}

// Close releases the database handle.
func (s *SQLiteSet) Close() error {
	return s.db.Close()
}

// validateDomain rejects names that cannot be table prefixes. Domains are
// code-supplied, but the check turns a subtle SQL error into a clear one.
func validateDomain(domain string) error {
	if domain == "" {
		return fmt.Errorf("domain must not be empty")
	}
	for i := 0; i < len(domain); i++ {
		c := domain[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return fmt.Errorf("domain %q must not start with a digit", domain)
			}
		default:
			return fmt.Errorf("domain %q contains invalid character %q", domain, c)
		}
	}
	return nil
}

func createSQLiteTables(db *sql.DB, domain string) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_es (
				sequence INTEGER NOT NULL,
				key TEXT NOT NULL,
				envelope TEXT NOT NULL,
				PRIMARY KEY (sequence, key)
			)`, domain),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_es_key
			ON %s_es(key, sequence)`, domain, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_view (
				key TEXT PRIMARY KEY,
				state TEXT NOT NULL
			)`, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_pending (
				sequence INTEGER NOT NULL,
				key TEXT NOT NULL,
				envelope TEXT NOT NULL,
				enqueued_at TEXT NOT NULL,
				PRIMARY KEY (sequence, key)
			)`, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_outbox (
				entry_id TEXT PRIMARY KEY,
				event_id TEXT NOT NULL UNIQUE,
				envelope TEXT NOT NULL,
				status TEXT NOT NULL,
				claimed_by TEXT NOT NULL DEFAULT '',
				claimed_at TEXT NOT NULL DEFAULT '',
				attempts INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_dlq (
				entry_id TEXT PRIMARY KEY,
				envelope TEXT NOT NULL,
				last_error TEXT NOT NULL,
				failed_at TEXT NOT NULL,
				attempts INTEGER NOT NULL
			)`, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_completions (
				sequence INTEGER NOT NULL,
				key TEXT NOT NULL,
				status TEXT NOT NULL,
				error_message TEXT NOT NULL DEFAULT '',
				submitted_at TEXT NOT NULL,
				completed_at TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (sequence, key)
			)`, domain),
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create tables: %w", err)
		}
	}
	return nil
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// sqliteEventLog implements EventLog on a <domain>_es table.
type sqliteEventLog struct {
	db    *sql.DB
	table string
}

func (l *sqliteEventLog) Append(ctx context.Context, seqKey SequenceKey, env *event.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	// INSERT OR IGNORE makes replay after a crash a no-op.
	_, err = l.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (sequence, key, envelope)
		VALUES (?, ?, ?)
	`, l.table), seqKey.Sequence, seqKey.Key, string(body))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *sqliteEventLog) Get(ctx context.Context, seqKey SequenceKey) (*event.Envelope, error) {
	var body string
	err := l.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT envelope FROM %s WHERE sequence = ? AND key = ?
	`, l.table), seqKey.Sequence, seqKey.Key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return event.Decode([]byte(body))
}

func (l *sqliteEventLog) EventsByKey(ctx context.Context, key string) ([]*event.Envelope, error) {
	return l.queryEvents(ctx, fmt.Sprintf(`
		SELECT envelope FROM %s WHERE key = ? ORDER BY sequence
	`, l.table), key)
}

func (l *sqliteEventLog) EventsByKeyFrom(ctx context.Context, key string, fromSeq int64) ([]*event.Envelope, error) {
	return l.queryEvents(ctx, fmt.Sprintf(`
		SELECT envelope FROM %s WHERE key = ? AND sequence >= ? ORDER BY sequence
	`, l.table), key, fromSeq)
}

func (l *sqliteEventLog) queryEvents(ctx context.Context, query string, args ...any) ([]*event.Envelope, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var result []*event.Envelope
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		env, err := event.Decode([]byte(body))
		if err != nil {
			return nil, err
		}
		result = append(result, env)
	}
	return result, rows.Err()
}

func (l *sqliteEventLog) ReplayAll(ctx context.Context, visit Visitor) error {
	return l.replay(ctx, visit, fmt.Sprintf(`
		SELECT sequence, key, envelope FROM %s ORDER BY sequence
	`, l.table))
}

func (l *sqliteEventLog) ReplayByKey(ctx context.Context, key string, visit Visitor) error {
	return l.replay(ctx, visit, fmt.Sprintf(`
		SELECT sequence, key, envelope FROM %s WHERE key = ? ORDER BY sequence
	`, l.table), key)
}

func (l *sqliteEventLog) replay(ctx context.Context, visit Visitor, query string, args ...any) error {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("replay query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var seqKey SequenceKey
		var body string
		if err := rows.Scan(&seqKey.Sequence, &seqKey.Key, &body); err != nil {
			return fmt.Errorf("scan event: %w", err)
		}
		env, err := event.Decode([]byte(body))
		if err != nil {
			return err
		}
		if err := visit(seqKey, env); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (l *sqliteEventLog) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, l.table)).Scan(&n)
	return n, err
}

func (l *sqliteEventLog) CountByKey(ctx context.Context, key string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE key = ?`, l.table), key).Scan(&n)
	return n, err
}

func (l *sqliteEventLog) LatestSequence(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(sequence), 0) FROM %s`, l.table)).Scan(&n)
	return n, err
}

func (l *sqliteEventLog) LatestSequenceByKey(ctx context.Context, key string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(sequence), 0) FROM %s WHERE key = ?`, l.table), key).Scan(&n)
	return n, err
}

// sqliteViewStore implements ViewStore on a <domain>_view table. Per-key
// atomicity is a process-level keyed mutex; SQLite backends serve one
// process, so that is exactly the contract.
type sqliteViewStore struct {
	db    *sql.DB
	table string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func newSQLiteViewStore(db *sql.DB, table string) *sqliteViewStore {
	return &sqliteViewStore{
		db:    db,
		table: table,
		locks: make(map[string]*sync.Mutex),
	}
}

// keyLock entries are never evicted; the map grows with distinct key
// cardinality for the process lifetime.
func (s *sqliteViewStore) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	lock, exists := s.locks[key]
	if !exists {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func (s *sqliteViewStore) Get(ctx context.Context, key string) (State, error) {
	var body string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT state FROM %s WHERE key = ?
	`, s.table), key).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get view: %w", err)
	}
	return decodeState(body)
}

func (s *sqliteViewStore) Put(ctx context.Context, key string, state State) error {
	body, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, state) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET state = excluded.state
	`, s.table), key, body)
	if err != nil {
		return fmt.Errorf("put view: %w", err)
	}
	return nil
}

func (s *sqliteViewStore) Remove(ctx context.Context, key string) (State, error) {
	prior, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table), key)
	if err != nil {
		return nil, fmt.Errorf("remove view: %w", err)
	}
	return prior, nil
}

func (s *sqliteViewStore) ContainsKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s WHERE key = ?)
	`, s.table), key).Scan(&exists)
	return exists, err
}

func (s *sqliteViewStore) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *sqliteViewStore) Values(ctx context.Context) ([]State, error) {
	return s.Query(ctx, func(string, State) bool { return true })
}

func (s *sqliteViewStore) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

func (s *sqliteViewStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return fmt.Errorf("clear views: %w", err)
	}
	return nil
}

func (s *sqliteViewStore) Query(ctx context.Context, pred Predicate) ([]State, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT key, state FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("query views: %w", err)
	}
	defer rows.Close()

	var result []State
	for rows.Next() {
		var key, body string
		if err := rows.Scan(&key, &body); err != nil {
			return nil, err
		}
		state, err := decodeState(body)
		if err != nil {
			return nil, err
		}
		if pred(key, state) {
			result = append(result, state)
		}
	}
	return result, rows.Err()
}

func (s *sqliteViewStore) ExecuteOnKey(ctx context.Context, key string, mutate Mutator) (State, error) {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.Get(ctx, key)
	if err != nil && err != ErrNotFound {
		return nil, err
	}

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}

	if next == nil {
		_, err = s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table), key)
		if err != nil {
			return nil, fmt.Errorf("delete view: %w", err)
		}
		return nil, nil
	}

	if err := s.Put(ctx, key, next); err != nil {
		return nil, err
	}
	return next, nil
}

// sqlitePendingLog implements PendingLog on a <domain>_pending table.
type sqlitePendingLog struct {
	db    *sql.DB
	table string
}

func (p *sqlitePendingLog) Enqueue(ctx context.Context, seqKey SequenceKey, env *event.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s (sequence, key, envelope, enqueued_at)
		VALUES (?, ?, ?, ?)
	`, p.table), seqKey.Sequence, seqKey.Key, string(body), encodeTime(time.Now()))
	if err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

func (p *sqlitePendingLog) Scan(ctx context.Context, limit int) ([]*PendingEntry, error) {
	query := fmt.Sprintf(`
		SELECT sequence, key, envelope, enqueued_at FROM %s ORDER BY sequence
	`, p.table)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	defer rows.Close()

	var result []*PendingEntry
	for rows.Next() {
		var entry PendingEntry
		var body, enqueued string
		if err := rows.Scan(&entry.SeqKey.Sequence, &entry.SeqKey.Key, &body, &enqueued); err != nil {
			return nil, err
		}
		env, err := event.Decode([]byte(body))
		if err != nil {
			return nil, err
		}
		entry.Envelope = env
		entry.EnqueuedAt = decodeTime(enqueued)
		result = append(result, &entry)
	}
	return result, rows.Err()
}

func (p *sqlitePendingLog) Delete(ctx context.Context, seqKey SequenceKey) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE sequence = ? AND key = ?
	`, p.table), seqKey.Sequence, seqKey.Key)
	if err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

func (p *sqlitePendingLog) Size(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n)
	return n, err
}

// sqliteOutbox implements Outbox on a <domain>_outbox table.
type sqliteOutbox struct {
	db    *sql.DB
	table string
}

func (o *sqliteOutbox) Add(ctx context.Context, entry *OutboxEntry) error {
	body, err := entry.Envelope.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	status := entry.Status
	if status == "" {
		status = OutboxNew
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	// The UNIQUE(event_id) constraint plus OR IGNORE absorbs duplicate
	// publishes from pipeline replay.
	_, err = o.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT OR IGNORE INTO %s
			(entry_id, event_id, envelope, status, claimed_by, claimed_at, attempts, created_at)
		VALUES (?, ?, ?, ?, '', '', ?, ?)
	`, o.table), entry.EntryID, entry.Envelope.EventID, string(body),
		string(status), entry.Attempts, encodeTime(createdAt))
	if err != nil {
		return fmt.Errorf("add outbox entry: %w", err)
	}
	return nil
}

func (o *sqliteOutbox) PollNew(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	query := fmt.Sprintf(`
		SELECT entry_id, envelope, status, claimed_by, claimed_at, attempts, created_at
		FROM %s WHERE status = 'NEW' ORDER BY created_at
	`, o.table)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := o.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("poll outbox: %w", err)
	}
	defer rows.Close()

	var result []*OutboxEntry
	for rows.Next() {
		entry, err := scanOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEntry(row rowScanner) (*OutboxEntry, error) {
	var entry OutboxEntry
	var body, status, claimedAt, createdAt string
	if err := row.Scan(&entry.EntryID, &body, &status, &entry.ClaimedBy,
		&claimedAt, &entry.Attempts, &createdAt); err != nil {
		return nil, fmt.Errorf("scan outbox entry: %w", err)
	}
	env, err := event.Decode([]byte(body))
	if err != nil {
		return nil, err
	}
	entry.Envelope = env
	entry.Status = OutboxStatus(status)
	entry.ClaimedAt = decodeTime(claimedAt)
	entry.CreatedAt = decodeTime(createdAt)
	return &entry, nil
}

func (o *sqliteOutbox) Claim(ctx context.Context, entryID, claimedBy string) (bool, error) {
	// The WHERE status = 'NEW' guard is the compare-and-set: exactly one
	// replica's UPDATE matches the row.
	res, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'CLAIMED', claimed_by = ?, claimed_at = ?, attempts = attempts + 1
		WHERE entry_id = ? AND status = 'NEW'
	`, o.table), claimedBy, encodeTime(time.Now()), entryID)
	if err != nil {
		return false, fmt.Errorf("claim outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim outbox entry: %w", err)
	}
	return n == 1, nil
}

func (o *sqliteOutbox) MarkSent(ctx context.Context, entryID string) error {
	res, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'SENT' WHERE entry_id = ?
	`, o.table), entryID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *sqliteOutbox) Release(ctx context.Context, entryID string) error {
	res, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'NEW', claimed_by = '', claimed_at = ''
		WHERE entry_id = ?
	`, o.table), entryID)
	if err != nil {
		return fmt.Errorf("release outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *sqliteOutbox) Get(ctx context.Context, entryID string) (*OutboxEntry, error) {
	row := o.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT entry_id, envelope, status, claimed_by, claimed_at, attempts, created_at
		FROM %s WHERE entry_id = ?
	`, o.table), entryID)

	entry, err := scanOutboxEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func (o *sqliteOutbox) Delete(ctx context.Context, entryID string) error {
	_, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE entry_id = ?`, o.table), entryID)
	if err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

func (o *sqliteOutbox) DeleteBatch(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete outbox batch: %w", err)
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE entry_id = ?`, o.table)
	for _, id := range entryIDs {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			tx.Rollback()
			return fmt.Errorf("delete outbox batch: %w", err)
		}
	}
	return tx.Commit()
}

func (o *sqliteOutbox) Size(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, o.table)).Scan(&n)
	return n, err
}

// sqliteDeadLetter implements DeadLetter on a <domain>_dlq table.
type sqliteDeadLetter struct {
	db    *sql.DB
	table string
}

func (d *sqliteDeadLetter) Add(ctx context.Context, entry *DeadLetterEntry) error {
	body, err := entry.Envelope.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	failedAt := entry.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now()
	}
	_, err = d.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (entry_id, envelope, last_error, failed_at, attempts)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			last_error = excluded.last_error,
			failed_at = excluded.failed_at,
			attempts = excluded.attempts
	`, d.table), entry.EntryID, string(body), entry.LastError,
		encodeTime(failedAt), entry.Attempts)
	if err != nil {
		return fmt.Errorf("add dead letter: %w", err)
	}
	return nil
}

func (d *sqliteDeadLetter) List(ctx context.Context, limit, offset int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT entry_id, envelope, last_error, failed_at, attempts
		FROM %s ORDER BY failed_at DESC LIMIT ? OFFSET ?
	`, d.table), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var result []*DeadLetterEntry
	for rows.Next() {
		entry, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func scanDeadLetter(row rowScanner) (*DeadLetterEntry, error) {
	var entry DeadLetterEntry
	var body, failedAt string
	if err := row.Scan(&entry.EntryID, &body, &entry.LastError, &failedAt, &entry.Attempts); err != nil {
		return nil, err
	}
	env, err := event.Decode([]byte(body))
	if err != nil {
		return nil, err
	}
	entry.Envelope = env
	entry.FailedAt = decodeTime(failedAt)
	return &entry, nil
}

func (d *sqliteDeadLetter) Get(ctx context.Context, entryID string) (*DeadLetterEntry, error) {
	row := d.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT entry_id, envelope, last_error, failed_at, attempts
		FROM %s WHERE entry_id = ?
	`, d.table), entryID)

	entry, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	return entry, nil
}

func (d *sqliteDeadLetter) Remove(ctx context.Context, entryID string) error {
	res, err := d.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE entry_id = ?`, d.table), entryID)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *sqliteDeadLetter) Size(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, d.table)).Scan(&n)
	return n, err
}

// sqliteCompletions implements Completions on a <domain>_completions table.
type sqliteCompletions struct {
	db    *sql.DB
	table string
}

func (c *sqliteCompletions) Put(ctx context.Context, rec *CompletionRecord) error {
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (sequence, key, status, error_message, submitted_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sequence, key) DO UPDATE SET
			status = excluded.status,
			error_message = excluded.error_message,
			completed_at = excluded.completed_at
	`, c.table), rec.SeqKey.Sequence, rec.SeqKey.Key, string(rec.Status),
		rec.ErrorMessage, encodeTime(rec.SubmittedAt), encodeTime(rec.CompletedAt))
	if err != nil {
		return fmt.Errorf("put completion: %w", err)
	}
	return nil
}

func (c *sqliteCompletions) Get(ctx context.Context, seqKey SequenceKey) (*CompletionRecord, error) {
	var rec CompletionRecord
	var status, submitted, completed string
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT status, error_message, submitted_at, completed_at
		FROM %s WHERE sequence = ? AND key = ?
	`, c.table), seqKey.Sequence, seqKey.Key).
		Scan(&status, &rec.ErrorMessage, &submitted, &completed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get completion: %w", err)
	}
	rec.SeqKey = seqKey
	rec.Status = CompletionStatus(status)
	rec.SubmittedAt = decodeTime(submitted)
	rec.CompletedAt = decodeTime(completed)
	return &rec, nil
}

func (c *sqliteCompletions) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('COMPLETED', 'FAILED')
		  AND completed_at != '' AND completed_at < ?
	`, c.table), encodeTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("evict completions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *sqliteCompletions) Size(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)).Scan(&n)
	return n, err
}
