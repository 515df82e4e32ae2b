package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/randalmurphal/eventrail/pkg/eventrail/event"
)

// PostgresSet is a store set backed by a shared Postgres database. This
// is the multi-replica deployment: several replicas of one engine point
// at the same tables, the outbox claim CAS arbitrates delivery between
// them, and ExecuteOnKey serializes per-key mutation with row locks.
type PostgresSet struct {
	*Set
	db *sql.DB
}

// NewPostgresSet builds the store set for one domain on an existing
// connection pool. The caller owns the pool; Close does not close it.
func NewPostgresSet(db *sql.DB, domain string) (*PostgresSet, error) {
	if err := validateDomain(domain); err != nil {
		return nil, err
	}
	if err := createPostgresTables(db, domain); err != nil {
		return nil, err
	}

	return &PostgresSet{
		Set: &Set{
			Events:      &postgresEventLog{db: db, table: domain + "_es"},
			Views:       &postgresViewStore{db: db, table: domain + "_view"},
			Pending:     &postgresPendingLog{db: db, table: domain + "_pending"},
			Outbox:      &postgresOutbox{db: db, table: domain + "_outbox"},
			DeadLetters: &postgresDeadLetter{db: db, table: domain + "_dlq"},
			Completions: &postgresCompletions{db: db, table: domain + "_completions"},
		},
		db: db,
	}, nil
}

func createPostgresTables(db *sql.DB, domain string) error {
	stmts := []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_es (
				sequence BIGINT NOT NULL,
				key TEXT NOT NULL,
				envelope JSONB NOT NULL,
				PRIMARY KEY (sequence, key)
			)`, domain),
		fmt.Sprintf(`
			CREATE INDEX IF NOT EXISTS idx_%s_es_key
			ON %s_es(key, sequence)`, domain, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_view (
				key TEXT PRIMARY KEY,
				state JSONB NOT NULL
			)`, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_pending (
				sequence BIGINT NOT NULL,
				key TEXT NOT NULL,
				envelope JSONB NOT NULL,
				enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (sequence, key)
			)`, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_outbox (
				entry_id TEXT PRIMARY KEY,
				event_id TEXT NOT NULL UNIQUE,
				envelope JSONB NOT NULL,
				status TEXT NOT NULL,
				claimed_by TEXT NOT NULL DEFAULT '',
				claimed_at TIMESTAMPTZ,
				attempts INTEGER NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_dlq (
				entry_id TEXT PRIMARY KEY,
				envelope JSONB NOT NULL,
				last_error TEXT NOT NULL,
				failed_at TIMESTAMPTZ NOT NULL,
				attempts INTEGER NOT NULL
			)`, domain),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s_completions (
				sequence BIGINT NOT NULL,
				key TEXT NOT NULL,
				status TEXT NOT NULL,
				error_message TEXT NOT NULL DEFAULT '',
				submitted_at TIMESTAMPTZ NOT NULL,
				completed_at TIMESTAMPTZ,
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

// postgresEventLog implements EventLog on a <domain>_es table.
type postgresEventLog struct {
	db    *sql.DB
	table string
}

func (l *postgresEventLog) Append(ctx context.Context, seqKey SequenceKey, env *event.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = l.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (sequence, key, envelope)
		VALUES ($1, $2, $3)
		ON CONFLICT (sequence, key) DO NOTHING
	`, l.table), seqKey.Sequence, seqKey.Key, string(body))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

func (l *postgresEventLog) Get(ctx context.Context, seqKey SequenceKey) (*event.Envelope, error) {
	var body string
	err := l.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT envelope FROM %s WHERE sequence = $1 AND key = $2
	`, l.table), seqKey.Sequence, seqKey.Key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	return event.Decode([]byte(body))
}

func (l *postgresEventLog) EventsByKey(ctx context.Context, key string) ([]*event.Envelope, error) {
	return l.queryEvents(ctx, fmt.Sprintf(`
		SELECT envelope FROM %s WHERE key = $1 ORDER BY sequence
	`, l.table), key)
}

func (l *postgresEventLog) EventsByKeyFrom(ctx context.Context, key string, fromSeq int64) ([]*event.Envelope, error) {
	return l.queryEvents(ctx, fmt.Sprintf(`
		SELECT envelope FROM %s WHERE key = $1 AND sequence >= $2 ORDER BY sequence
	`, l.table), key, fromSeq)
}

func (l *postgresEventLog) queryEvents(ctx context.Context, query string, args ...any) ([]*event.Envelope, error) {
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

func (l *postgresEventLog) ReplayAll(ctx context.Context, visit Visitor) error {
	return l.replay(ctx, visit, fmt.Sprintf(`
		SELECT sequence, key, envelope FROM %s ORDER BY sequence
	`, l.table))
}

func (l *postgresEventLog) ReplayByKey(ctx context.Context, key string, visit Visitor) error {
	return l.replay(ctx, visit, fmt.Sprintf(`
		SELECT sequence, key, envelope FROM %s WHERE key = $1 ORDER BY sequence
	`, l.table), key)
}

func (l *postgresEventLog) replay(ctx context.Context, visit Visitor, query string, args ...any) error {
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

func (l *postgresEventLog) Count(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, l.table)).Scan(&n)
	return n, err
}

func (l *postgresEventLog) CountByKey(ctx context.Context, key string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE key = $1`, l.table), key).Scan(&n)
	return n, err
}

func (l *postgresEventLog) LatestSequence(ctx context.Context) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(sequence), 0) FROM %s`, l.table)).Scan(&n)
	return n, err
}

func (l *postgresEventLog) LatestSequenceByKey(ctx context.Context, key string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COALESCE(MAX(sequence), 0) FROM %s WHERE key = $1`, l.table), key).Scan(&n)
	return n, err
}

// postgresViewStore implements ViewStore on a <domain>_view table.
// ExecuteOnKey takes a row lock (SELECT ... FOR UPDATE) inside a
// transaction, which serializes mutators for one key across every
// replica sharing the table, not just within this process.
type postgresViewStore struct {
	db    *sql.DB
	table string
}

func (s *postgresViewStore) Get(ctx context.Context, key string) (State, error) {
	var body string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT state FROM %s WHERE key = $1
	`, s.table), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get view: %w", err)
	}
	return decodeState(body)
}

func (s *postgresViewStore) Put(ctx context.Context, key string, state State) error {
	body, err := encodeState(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (key, state) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET state = EXCLUDED.state
	`, s.table), key, body)
	if err != nil {
		return fmt.Errorf("put view: %w", err)
	}
	return nil
}

func (s *postgresViewStore) Remove(ctx context.Context, key string) (State, error) {
	var body string
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE key = $1 RETURNING state
	`, s.table), key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("remove view: %w", err)
	}
	return decodeState(body)
}

func (s *postgresViewStore) ContainsKey(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT EXISTS(SELECT 1 FROM %s WHERE key = $1)
	`, s.table), key).Scan(&exists)
	return exists, err
}

func (s *postgresViewStore) Keys(ctx context.Context) ([]string, error) {
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

func (s *postgresViewStore) Values(ctx context.Context) ([]State, error) {
	return s.Query(ctx, func(string, State) bool { return true })
}

func (s *postgresViewStore) Size(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n)
	return n, err
}

func (s *postgresViewStore) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return fmt.Errorf("clear views: %w", err)
	}
	return nil
}

func (s *postgresViewStore) Query(ctx context.Context, pred Predicate) ([]State, error) {
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

func (s *postgresViewStore) ExecuteOnKey(ctx context.Context, key string, mutate Mutator) (State, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin view mutation: %w", err)
	}
	defer tx.Rollback()

	// Lock a stable anchor row so two replicas mutating a key that
	// doesn't exist yet still serialize. pg_advisory_xact_lock releases
	// with the transaction.
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`,
		s.table, key); err != nil {
		return nil, fmt.Errorf("lock view key: %w", err)
	}

	var current State
	var body string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT state FROM %s WHERE key = $1 FOR UPDATE
	`, s.table), key).Scan(&body)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = nil
	case err != nil:
		return nil, fmt.Errorf("read view for mutation: %w", err)
	default:
		current, err = decodeState(body)
		if err != nil {
			return nil, err
		}
	}

	next, err := mutate(current)
	if err != nil {
		return nil, err
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE key = $1`, s.table), key); err != nil {
			return nil, fmt.Errorf("delete view: %w", err)
		}
	} else {
		encoded, err := encodeState(next)
		if err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (key, state) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET state = EXCLUDED.state
		`, s.table), key, encoded); err != nil {
			return nil, fmt.Errorf("write view: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit view mutation: %w", err)
	}
	return next, nil
}

// postgresPendingLog implements PendingLog on a <domain>_pending table.
type postgresPendingLog struct {
	db    *sql.DB
	table string
}

func (p *postgresPendingLog) Enqueue(ctx context.Context, seqKey SequenceKey, env *event.Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	_, err = p.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (sequence, key, envelope)
		VALUES ($1, $2, $3)
		ON CONFLICT (sequence, key) DO NOTHING
	`, p.table), seqKey.Sequence, seqKey.Key, string(body))
	if err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

func (p *postgresPendingLog) Scan(ctx context.Context, limit int) ([]*PendingEntry, error) {
	query := fmt.Sprintf(`
		SELECT sequence, key, envelope, enqueued_at FROM %s ORDER BY sequence
	`, p.table)
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("scan pending: %w", err)
	}
	defer rows.Close()

	var result []*PendingEntry
	for rows.Next() {
		var entry PendingEntry
		var body string
		if err := rows.Scan(&entry.SeqKey.Sequence, &entry.SeqKey.Key, &body, &entry.EnqueuedAt); err != nil {
			return nil, err
		}
		env, err := event.Decode([]byte(body))
		if err != nil {
			return nil, err
		}
		entry.Envelope = env
		result = append(result, &entry)
	}
	return result, rows.Err()
}

func (p *postgresPendingLog) Delete(ctx context.Context, seqKey SequenceKey) error {
	_, err := p.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE sequence = $1 AND key = $2
	`, p.table), seqKey.Sequence, seqKey.Key)
	if err != nil {
		return fmt.Errorf("delete pending: %w", err)
	}
	return nil
}

func (p *postgresPendingLog) Size(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n)
	return n, err
}

// postgresOutbox implements Outbox on a <domain>_outbox table. Claim is
// a conditional UPDATE, which Postgres serializes across replicas.
type postgresOutbox struct {
	db    *sql.DB
	table string
}

func (o *postgresOutbox) Add(ctx context.Context, entry *OutboxEntry) error {
	body, err := entry.Envelope.Marshal()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	status := entry.Status
	if status == "" {
		status = OutboxNew
	}
	_, err = o.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (entry_id, event_id, envelope, status, attempts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO NOTHING
	`, o.table), entry.EntryID, entry.Envelope.EventID, string(body),
		string(status), entry.Attempts)
	if err != nil {
		return fmt.Errorf("add outbox entry: %w", err)
	}
	return nil
}

func (o *postgresOutbox) PollNew(ctx context.Context, limit int) ([]*OutboxEntry, error) {
	query := fmt.Sprintf(`
		SELECT entry_id, envelope, status, claimed_by, claimed_at, attempts, created_at
		FROM %s WHERE status = 'NEW' ORDER BY created_at
	`, o.table)
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := o.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("poll outbox: %w", err)
	}
	defer rows.Close()

	var result []*OutboxEntry
	for rows.Next() {
		entry, err := scanPostgresOutboxEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, entry)
	}
	return result, rows.Err()
}

func scanPostgresOutboxEntry(row rowScanner) (*OutboxEntry, error) {
	var entry OutboxEntry
	var body, status string
	var claimedAt sql.NullTime
	if err := row.Scan(&entry.EntryID, &body, &status, &entry.ClaimedBy,
		&claimedAt, &entry.Attempts, &entry.CreatedAt); err != nil {
		return nil, err
	}
	env, err := event.Decode([]byte(body))
	if err != nil {
		return nil, err
	}
	entry.Envelope = env
	entry.Status = OutboxStatus(status)
	if claimedAt.Valid {
		entry.ClaimedAt = claimedAt.Time
	}
	return &entry, nil
}

func (o *postgresOutbox) Claim(ctx context.Context, entryID, claimedBy string) (bool, error) {
	res, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET status = 'CLAIMED', claimed_by = $1, claimed_at = NOW(), attempts = attempts + 1
		WHERE entry_id = $2 AND status = 'NEW'
	`, o.table), claimedBy, entryID)
	if err != nil {
		return false, fmt.Errorf("claim outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim outbox entry: %w", err)
	}
	return n == 1, nil
}

func (o *postgresOutbox) MarkSent(ctx context.Context, entryID string) error {
	res, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'SENT' WHERE entry_id = $1
	`, o.table), entryID)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *postgresOutbox) Release(ctx context.Context, entryID string) error {
	res, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = 'NEW', claimed_by = '', claimed_at = NULL
		WHERE entry_id = $1
	`, o.table), entryID)
	if err != nil {
		return fmt.Errorf("release outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (o *postgresOutbox) Get(ctx context.Context, entryID string) (*OutboxEntry, error) {
	row := o.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT entry_id, envelope, status, claimed_by, claimed_at, attempts, created_at
		FROM %s WHERE entry_id = $1
	`, o.table), entryID)

	entry, err := scanPostgresOutboxEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox entry: %w", err)
	}
	return entry, nil
}

func (o *postgresOutbox) Delete(ctx context.Context, entryID string) error {
	_, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE entry_id = $1`, o.table), entryID)
	if err != nil {
		return fmt.Errorf("delete outbox entry: %w", err)
	}
	return nil
}

func (o *postgresOutbox) DeleteBatch(ctx context.Context, entryIDs []string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	_, err := o.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE entry_id = ANY($1)
	`, o.table), pq.Array(entryIDs))
	if err != nil {
		return fmt.Errorf("delete outbox batch: %w", err)
	}
	return nil
}

func (o *postgresOutbox) Size(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, o.table)).Scan(&n)
	return n, err
}

// postgresDeadLetter implements DeadLetter on a <domain>_dlq table.
type postgresDeadLetter struct {
	db    *sql.DB
	table string
}

func (d *postgresDeadLetter) Add(ctx context.Context, entry *DeadLetterEntry) error {
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
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entry_id) DO UPDATE SET
			last_error = EXCLUDED.last_error,
			failed_at = EXCLUDED.failed_at,
			attempts = EXCLUDED.attempts
	`, d.table), entry.EntryID, string(body), entry.LastError, failedAt, entry.Attempts)
	if err != nil {
		return fmt.Errorf("add dead letter: %w", err)
	}
	return nil
}

func (d *postgresDeadLetter) List(ctx context.Context, limit, offset int) ([]*DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := d.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT entry_id, envelope, last_error, failed_at, attempts
		FROM %s ORDER BY failed_at DESC LIMIT $1 OFFSET $2
	`, d.table), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var result []*DeadLetterEntry
	for rows.Next() {
		var entry DeadLetterEntry
		var body string
		if err := rows.Scan(&entry.EntryID, &body, &entry.LastError,
			&entry.FailedAt, &entry.Attempts); err != nil {
			return nil, err
		}
		env, err := event.Decode([]byte(body))
		if err != nil {
			return nil, err
		}
		entry.Envelope = env
		result = append(result, &entry)
	}
	return result, rows.Err()
}

func (d *postgresDeadLetter) Get(ctx context.Context, entryID string) (*DeadLetterEntry, error) {
	var entry DeadLetterEntry
	var body string
	err := d.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT entry_id, envelope, last_error, failed_at, attempts
		FROM %s WHERE entry_id = $1
	`, d.table), entryID).Scan(&entry.EntryID, &body, &entry.LastError,
		&entry.FailedAt, &entry.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	env, err := event.Decode([]byte(body))
	if err != nil {
		return nil, err
	}
	entry.Envelope = env
	return &entry, nil
}

func (d *postgresDeadLetter) Remove(ctx context.Context, entryID string) error {
	res, err := d.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE entry_id = $1`, d.table), entryID)
	if err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *postgresDeadLetter) Size(ctx context.Context) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, d.table)).Scan(&n)
	return n, err
}

// postgresCompletions implements Completions on a <domain>_completions table.
type postgresCompletions struct {
	db    *sql.DB
	table string
}

func (c *postgresCompletions) Put(ctx context.Context, rec *CompletionRecord) error {
	var completedAt sql.NullTime
	if !rec.CompletedAt.IsZero() {
		completedAt = sql.NullTime{Time: rec.CompletedAt, Valid: true}
	}
	_, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (sequence, key, status, error_message, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sequence, key) DO UPDATE SET
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			completed_at = EXCLUDED.completed_at
	`, c.table), rec.SeqKey.Sequence, rec.SeqKey.Key, string(rec.Status),
		rec.ErrorMessage, rec.SubmittedAt, completedAt)
	if err != nil {
		return fmt.Errorf("put completion: %w", err)
	}
	return nil
}

func (c *postgresCompletions) Get(ctx context.Context, seqKey SequenceKey) (*CompletionRecord, error) {
	var rec CompletionRecord
	var status string
	var completedAt sql.NullTime
	err := c.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT status, error_message, submitted_at, completed_at
		FROM %s WHERE sequence = $1 AND key = $2
	`, c.table), seqKey.Sequence, seqKey.Key).
		Scan(&status, &rec.ErrorMessage, &rec.SubmittedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get completion: %w", err)
	}
	rec.SeqKey = seqKey
	rec.Status = CompletionStatus(status)
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time
	}
	return &rec, nil
}

func (c *postgresCompletions) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := c.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s
		WHERE status IN ('COMPLETED', 'FAILED') AND completed_at < $1
	`, c.table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("evict completions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (c *postgresCompletions) Size(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)).Scan(&n)
	return n, err
}
