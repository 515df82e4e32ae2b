package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// Store persists saga instances so their progress survives restarts and
// is visible to status queries.
type Store interface {
	// Save upserts an instance by SagaID.
	Save(ctx context.Context, inst *Instance) error

	// Get returns an instance by ID, or store.ErrNotFound.
	Get(ctx context.Context, sagaID string) (*Instance, error)

	// List returns instances filtered by status, newest first. An empty
	// status matches all.
	List(ctx context.Context, status Status, limit int) ([]*Instance, error)

	// Delete removes an instance. Missing IDs are a no-op.
	Delete(ctx context.Context, sagaID string) error
}

// MemoryStore is an in-memory Store for tests and single-process use.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string]*Instance)}
}

// Save upserts an instance by SagaID.
func (s *MemoryStore) Save(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.SagaID] = inst.Clone()
	return nil
}

// Get returns an instance by ID, or store.ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[sagaID]
	if !ok {
		return nil, fmt.Errorf("saga %s: %w", sagaID, store.ErrNotFound)
	}
	return inst.Clone(), nil
}

// List returns instances filtered by status, newest first.
func (s *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]*Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		if status == "" || inst.Status == status {
			matches = append(matches, inst.Clone())
		}
	}
	sort.Slice(matches, func(a, b int) bool {
		return matches[a].StartedAt.After(matches[b].StartedAt)
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Delete removes an instance.
func (s *MemoryStore) Delete(_ context.Context, sagaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, sagaID)
	return nil
}

// SQLStore persists instances in a relational saga_instances table.
// It speaks both SQLite and Postgres through the dialect flag.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

var _ Store = (*SQLStore)(nil)

// NewSQLiteStore creates the saga_instances table on a SQLite handle.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore creates the saga_instances table on a Postgres pool.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: true}
	if err := s.createTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTable() error {
	stepsType := "TEXT"
	if s.postgres {
		stepsType = "JSONB"
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS saga_instances (
			saga_id      TEXT PRIMARY KEY,
			saga_type    TEXT NOT NULL,
			current_step INTEGER NOT NULL,
			total_steps  INTEGER NOT NULL,
			status       TEXT NOT NULL,
			steps        %s NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			started_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		)`, stepsType)
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create saga_instances table: %w", err)
	}
	_, err := s.db.Exec(
		`CREATE INDEX IF NOT EXISTS idx_saga_instances_status ON saga_instances(status)`)
	if err != nil {
		return fmt.Errorf("failed to create saga status index: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $n for Postgres.
func (s *SQLStore) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var out []byte
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			out = append(out, fmt.Sprintf("$%d", n)...)
			continue
		}
		out = append(out, query[i])
	}
	return string(out)
}

// Save upserts an instance by SagaID.
func (s *SQLStore) Save(ctx context.Context, inst *Instance) error {
	steps, err := json.Marshal(inst.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode saga steps: %w", err)
	}

	query := s.rebind(`
		INSERT INTO saga_instances
			(saga_id, saga_type, current_step, total_steps, status, steps, error, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (saga_id) DO UPDATE SET
			current_step = excluded.current_step,
			status       = excluded.status,
			steps        = excluded.steps,
			error        = excluded.error,
			updated_at   = excluded.updated_at`)

	_, err = s.db.ExecContext(ctx, query,
		inst.SagaID, inst.SagaType, inst.CurrentStep, inst.TotalSteps,
		string(inst.Status), string(steps), inst.Error,
		inst.StartedAt.UTC(), inst.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save saga %s: %w", inst.SagaID, err)
	}
	return nil
}

// Get returns an instance by ID, or store.ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	query := s.rebind(`
		SELECT saga_id, saga_type, current_step, total_steps, status, steps, error, started_at, updated_at
		FROM saga_instances WHERE saga_id = ?`)

	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("saga %s: %w", sagaID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga %s: %w", sagaID, err)
	}
	return inst, nil
}

// List returns instances filtered by status, newest first.
func (s *SQLStore) List(ctx context.Context, status Status, limit int) ([]*Instance, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, s.rebind(
			`SELECT saga_id, saga_type, current_step, total_steps, status, steps, error, started_at, updated_at
			 FROM saga_instances ORDER BY started_at DESC LIMIT ?`), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.rebind(
			`SELECT saga_id, saga_type, current_step, total_steps, status, steps, error, started_at, updated_at
			 FROM saga_instances WHERE status = ? ORDER BY started_at DESC LIMIT ?`),
			string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga row: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Delete removes an instance.
func (s *SQLStore) Delete(ctx context.Context, sagaID string) error {
	_, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM saga_instances WHERE saga_id = ?`), sagaID)
	if err != nil {
		return fmt.Errorf("failed to delete saga %s: %w", sagaID, err)
	}
	return nil
}

// DeleteTerminalOlderThan prunes finished instances, keeping the table
// bounded on long-lived deployments.
func (s *SQLStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	statuses := []string{
		string(StatusCompleted), string(StatusFailed), string(StatusTimedOut),
	}

	var (
		res sql.Result
		err error
	)
	if s.postgres {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM saga_instances WHERE updated_at < $1 AND status = ANY($2)`,
			cutoff.UTC(), pq.Array(statuses))
	} else {
		res, err = s.db.ExecContext(ctx,
			`DELETE FROM saga_instances WHERE updated_at < ? AND status IN (?, ?, ?)`,
			cutoff.UTC(), statuses[0], statuses[1], statuses[2])
	}
	if err != nil {
		return 0, fmt.Errorf("failed to prune sagas: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst   Instance
		status string
		steps  string
	)
	err := row.Scan(&inst.SagaID, &inst.SagaType, &inst.CurrentStep,
		&inst.TotalSteps, &status, &steps, &inst.Error,
		&inst.StartedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.Status = Status(status)
	if err := json.Unmarshal([]byte(steps), &inst.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode saga steps: %w", err)
	}
	return &inst, nil
}
