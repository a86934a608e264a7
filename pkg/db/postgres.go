package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"collab-canvas/pkg/merge"

	"github.com/lib/pq"
)

// PostgresSessionStore implements ISessionStore using PostgreSQL.
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore opens the database, verifies the connection and
// ensures the sessions table exists.
func NewPostgresSessionStore(connStr string) (*PostgresSessionStore, error) {
	pool, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := pool.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresSessionStore{db: pool}

	if err := store.createTable(); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *PostgresSessionStore) Close() error {
	return s.db.Close()
}

const sessionColumns = `id, version, state, name, owner_id, created_at, updated_at, saved_at, expires_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	sess := &Session{}
	var rawState []byte
	err := row.Scan(
		&sess.ID,
		&sess.Version,
		&rawState,
		&sess.Name,
		&sess.OwnerID,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.SavedAt,
		&sess.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	// A corrupt state column degrades to an empty snapshot rather than
	// failing the read; normalization treats both the same.
	_ = json.Unmarshal(rawState, &sess.State)
	sess.State = merge.Normalize(sess.State)
	return sess, nil
}

func (s *PostgresSessionStore) Create(ctx context.Context, id string, state merge.Snapshot, opts CreateOptions) (*Session, error) {
	now := time.Now()
	stateJSON, err := json.Marshal(merge.Normalize(state))
	if err != nil {
		return nil, fmt.Errorf("failed to encode state: %w", err)
	}

	query := `
		INSERT INTO sessions (id, version, state, name, owner_id, created_at, updated_at, saved_at, expires_at)
		VALUES ($1, 0, $2, $3, $4, $5, $5, $6, $7)
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.db.QueryRowContext(ctx, query,
		id, stateJSON, opts.Name, opts.OwnerID, now, opts.SavedAt, opts.ExpiresAt))
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return nil, ErrSessionExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return sess, nil
}

func (s *PostgresSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}

	return sess, nil
}

// MergeAndUpdate merges an incoming snapshot into the stored state inside a
// transaction holding an exclusive row lock. The lock is the correctness
// mechanism: without it two concurrent merges could read the same base state
// and each commit a result that silently drops the other's changes. Merges
// for the same id serialize here; unrelated ids proceed in parallel.
func (s *PostgresSessionStore) MergeAndUpdate(ctx context.Context, id string, incoming merge.Snapshot) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	sess, err := scanSession(tx.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to lock session: %w", err)
	}
	if sess.Expired(time.Now()) {
		return nil, ErrSessionNotFound
	}

	merged := merge.Merge(sess.State, incoming)
	stateJSON, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged state: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE sessions
		SET state = $2, version = version + 1, updated_at = $3
		WHERE id = $1
		RETURNING version, updated_at
	`, id, stateJSON, time.Now()).Scan(&sess.Version, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	sess.State = merged

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit merge: %w", err)
	}

	return sess, nil
}

// Pin makes a session permanent: savedAt is set once and expiresAt cleared.
// Pinning an already expired session behaves as not found.
func (s *PostgresSessionStore) Pin(ctx context.Context, id string) (*Session, error) {
	now := time.Now()
	query := `
		UPDATE sessions
		SET saved_at = COALESCE(saved_at, $2), expires_at = NULL, updated_at = $2
		WHERE id = $1 AND (saved_at IS NOT NULL OR expires_at IS NULL OR expires_at > $2)
		RETURNING ` + sessionColumns

	sess, err := scanSession(s.db.QueryRowContext(ctx, query, id, now))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to pin session: %w", err)
	}

	return sess, nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}

	return nil
}

func (s *PostgresSessionStore) List(ctx context.Context) ([]*Session, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM sessions
		WHERE saved_at IS NOT NULL OR expires_at IS NULL OR expires_at > $1
		ORDER BY updated_at DESC
	`

	rows, err := s.db.QueryContext(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rows: %w", err)
	}

	return sessions, nil
}

// SweepExpired deletes sessions past their TTL. Pinned sessions are never
// touched.
func (s *PostgresSessionStore) SweepExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE saved_at IS NULL AND expires_at IS NOT NULL AND expires_at <= $1
	`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep sessions: %w", err)
	}

	return result.RowsAffected()
}

// Compile-time check that PostgresSessionStore satisfies ISessionStore.
var _ ISessionStore = (*PostgresSessionStore)(nil)
