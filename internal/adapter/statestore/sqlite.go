// Package statestore provides durable versioned checkpoint storage for
// conversation threads. The SQLite store is the production backend; the
// memory store backs tests and ephemeral deployments.
package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"parley/internal/domain"
)

// SQLiteStore implements domain.StateStore backed by a single SQLite
// file. Each Append writes a full state snapshot as a new row keyed by
// (thread_id, version); the optimistic-concurrency check and the insert
// run inside one transaction so a conflicting writer can never slip a
// row in between.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	dbPath string
}

// NewSQLite opens (or creates) a SQLite database at dbPath, runs
// migrations, and returns a ready store.
func NewSQLite(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: open db: %v", domain.ErrStoreUnavailable, err)
	}

	// SQLite write safety: single writer.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrStoreUnavailable, err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %v", domain.ErrStoreUnavailable, err)
	}

	return &SQLiteStore{db: db, logger: logger, dbPath: dbPath}, nil
}

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id  TEXT    NOT NULL,
			version    INTEGER NOT NULL,
			user_id    TEXT    NOT NULL,
			state      TEXT    NOT NULL,
			created_at TEXT    NOT NULL,
			PRIMARY KEY (thread_id, version)
		);

		CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
			ON checkpoints (thread_id, version DESC);
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Load implements domain.StateStore.
func (s *SQLiteStore) Load(ctx context.Context, threadID string) (*domain.Checkpoint, error) {
	const q = `
		SELECT thread_id, version, state, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY version DESC
		LIMIT 1
	`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("StateStore.Load", domain.ErrThreadNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrStoreUnavailable, threadID, err)
	}
	return cp, nil
}

// LoadVersion implements domain.StateStore.
func (s *SQLiteStore) LoadVersion(ctx context.Context, threadID string, version uint64) (*domain.Checkpoint, error) {
	const q = `
		SELECT thread_id, version, state, created_at
		FROM checkpoints
		WHERE thread_id = ? AND version = ?
	`
	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, q, threadID, version))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewDomainError("StateStore.LoadVersion", domain.ErrThreadNotFound,
			fmt.Sprintf("%s@v%d", threadID, version))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s@v%d: %v", domain.ErrStoreUnavailable, threadID, version, err)
	}
	return cp, nil
}

// Append implements domain.StateStore. The version check and insert
// share a transaction; with a single writer connection and an immediate
// transaction this is serializable.
func (s *SQLiteStore) Append(ctx context.Context, threadID string, state *domain.ConversationState, expectedVersion uint64) (*domain.Checkpoint, error) {
	blob, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal state: %v", domain.ErrStoreUnavailable, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin tx: %v", domain.ErrStoreUnavailable, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current uint64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(version), 0) FROM checkpoints WHERE thread_id = ?",
		threadID,
	).Scan(&current)
	if err != nil {
		return nil, fmt.Errorf("%w: read current version: %v", domain.ErrStoreUnavailable, err)
	}

	if current != expectedVersion {
		return nil, domain.NewDomainError("StateStore.Append", domain.ErrVersionConflict,
			fmt.Sprintf("thread %s: expected v%d, stored v%d", threadID, expectedVersion, current))
	}

	now := time.Now().UTC()
	next := expectedVersion + 1

	_, err = tx.ExecContext(ctx,
		"INSERT INTO checkpoints (thread_id, version, user_id, state, created_at) VALUES (?, ?, ?, ?, ?)",
		threadID, next, state.UserID, string(blob), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: insert v%d: %v", domain.ErrStoreUnavailable, next, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", domain.ErrStoreUnavailable, err)
	}

	return &domain.Checkpoint{
		ThreadID:  threadID,
		Version:   next,
		State:     *state.Clone(),
		CreatedAt: now,
	}, nil
}

// History implements domain.StateStore.
func (s *SQLiteStore) History(ctx context.Context, threadID string) ([]domain.Checkpoint, error) {
	const q = `
		SELECT thread_id, version, state, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY version ASC
	`
	rows, err := s.db.QueryContext(ctx, q, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: history %s: %v", domain.ErrStoreUnavailable, threadID, err)
	}
	defer rows.Close()

	var out []domain.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan history row: %v", domain.ErrStoreUnavailable, err)
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: history rows: %v", domain.ErrStoreUnavailable, err)
	}
	return out, nil
}

// Prune implements domain.StateStore. The newest keepLatest versions of
// each thread survive; keepLatest <= 0 disables pruning.
func (s *SQLiteStore) Prune(ctx context.Context, keepLatest int) (int64, error) {
	if keepLatest <= 0 {
		return 0, nil
	}

	const q = `
		DELETE FROM checkpoints
		WHERE version <= (
			SELECT MAX(version) - ?
			FROM checkpoints newest
			WHERE newest.thread_id = checkpoints.thread_id
		)
	`
	res, err := s.db.ExecContext(ctx, q, keepLatest)
	if err != nil {
		return 0, fmt.Errorf("%w: prune: %v", domain.ErrStoreUnavailable, err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: prune rows affected: %v", domain.ErrStoreUnavailable, err)
	}
	if removed > 0 && s.logger != nil {
		s.logger.Debug("pruned checkpoint history", "removed", removed, "keep_latest", keepLatest)
	}
	return removed, nil
}

// scanCheckpoint reads a single checkpoint row.
func scanCheckpoint(row interface{ Scan(dest ...any) error }) (*domain.Checkpoint, error) {
	var (
		cp        domain.Checkpoint
		blob      string
		createdAt string
	)
	if err := row.Scan(&cp.ThreadID, &cp.Version, &blob, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(blob), &cp.State); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		cp.CreatedAt = t
	}
	return &cp, nil
}
