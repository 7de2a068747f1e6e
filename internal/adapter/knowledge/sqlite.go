// Package knowledge provides the SQLite FTS5 retrieval index behind the
// kb_search tool.
package knowledge

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"parley/internal/domain"
)

// Entry is one indexed document.
type Entry struct {
	ID       string
	Text     string
	Metadata map[string]string
}

// Index implements domain.Retriever backed by SQLite FTS5 with bm25
// ranking. Queries that trip FTS5 syntax errors fall back to a LIKE
// scan so user-typed punctuation never breaks retrieval.
type Index struct {
	db          *sql.DB
	logger      *slog.Logger
	defaultTopK int
}

var _ domain.Retriever = (*Index)(nil)

// New opens (or creates) the index database at path.
func New(path string, defaultTopK int, logger *slog.Logger) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("knowledge: open db: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("knowledge: pragma: %w", err)
		}
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("knowledge: migrate: %w", err)
	}

	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	return &Index{db: db, logger: logger, defaultTopK: defaultTopK}, nil
}

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS snippets (
			id         TEXT PRIMARY KEY,
			text       TEXT NOT NULL,
			metadata   TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS snippets_fts USING fts5(
			text, content=snippets, content_rowid=rowid
		);

		-- Triggers to keep FTS in sync with the snippets table.
		CREATE TRIGGER IF NOT EXISTS snippets_ai AFTER INSERT ON snippets BEGIN
			INSERT INTO snippets_fts(rowid, text) VALUES (new.rowid, new.text);
		END;

		CREATE TRIGGER IF NOT EXISTS snippets_ad AFTER DELETE ON snippets BEGIN
			INSERT INTO snippets_fts(snippets_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
		END;

		CREATE TRIGGER IF NOT EXISTS snippets_au AFTER UPDATE ON snippets BEGIN
			INSERT INTO snippets_fts(snippets_fts, rowid, text) VALUES ('delete', old.rowid, old.text);
			INSERT INTO snippets_fts(rowid, text) VALUES (new.rowid, new.text);
		END;
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the underlying database connection.
func (x *Index) Close() error {
	return x.db.Close()
}

// Add indexes one document, generating an ID when entry.ID is empty.
func (x *Index) Add(ctx context.Context, entry Entry) (string, error) {
	if entry.ID == "" {
		id, err := generateID()
		if err != nil {
			return "", fmt.Errorf("knowledge: generate id: %w", err)
		}
		entry.ID = id
	}

	meta, err := json.Marshal(entry.Metadata)
	if err != nil {
		return "", fmt.Errorf("knowledge: marshal metadata: %w", err)
	}

	const upsert = `
		INSERT INTO snippets (id, text, metadata, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text     = excluded.text,
			metadata = excluded.metadata
	`
	_, err = x.db.ExecContext(ctx, upsert,
		entry.ID, entry.Text, string(meta), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("knowledge: upsert: %w", err)
	}
	return entry.ID, nil
}

// AddBatch indexes multiple documents in a single transaction.
func (x *Index) AddBatch(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("knowledge: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const upsert = `
		INSERT INTO snippets (id, text, metadata, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text     = excluded.text,
			metadata = excluded.metadata
	`
	stmt, err := tx.PrepareContext(ctx, upsert)
	if err != nil {
		return fmt.Errorf("knowledge: prepare: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, entry := range entries {
		if entry.ID == "" {
			id, err := generateID()
			if err != nil {
				return fmt.Errorf("knowledge: generate id: %w", err)
			}
			entry.ID = id
		}
		meta, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("knowledge: marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, entry.ID, entry.Text, string(meta), now); err != nil {
			return fmt.Errorf("knowledge: upsert %q: %w", entry.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("knowledge: commit: %w", err)
	}
	return nil
}

// Search implements domain.Retriever. Results come back best-first;
// scores are negated bm25 ranks so larger means more relevant.
func (x *Index) Search(ctx context.Context, query string, topK int) ([]domain.Snippet, error) {
	if topK <= 0 {
		topK = x.defaultTopK
	}
	if query == "" {
		return nil, nil
	}

	rows, err := x.db.QueryContext(ctx,
		`SELECT s.text, s.metadata, bm25(snippets_fts) AS rank
		 FROM snippets_fts f
		 JOIN snippets s ON s.rowid = f.rowid
		 WHERE snippets_fts MATCH ?
		 ORDER BY rank
		 LIMIT ?`,
		query, topK,
	)
	if err != nil {
		// FTS5 syntax error, fall back to LIKE search.
		return x.likeSearch(ctx, query, topK)
	}
	defer rows.Close()
	return scanSnippets(rows, true)
}

// likeSearch is the fallback when FTS5 MATCH fails due to special
// characters in the query.
func (x *Index) likeSearch(ctx context.Context, query string, topK int) ([]domain.Snippet, error) {
	rows, err := x.db.QueryContext(ctx,
		"SELECT text, metadata, 0.0 FROM snippets WHERE text LIKE ? ORDER BY created_at DESC LIMIT ?",
		"%"+query+"%", topK,
	)
	if err != nil {
		return nil, fmt.Errorf("knowledge: like search: %w", err)
	}
	defer rows.Close()
	return scanSnippets(rows, false)
}

// Count reports how many documents are indexed.
func (x *Index) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := x.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snippets").Scan(&n); err != nil {
		return 0, fmt.Errorf("knowledge: count: %w", err)
	}
	return n, nil
}

func scanSnippets(rows *sql.Rows, negateRank bool) ([]domain.Snippet, error) {
	var out []domain.Snippet
	for rows.Next() {
		var (
			sn       domain.Snippet
			metaJSON string
			rank     float64
		)
		if err := rows.Scan(&sn.Text, &metaJSON, &rank); err != nil {
			return nil, fmt.Errorf("knowledge: scan: %w", err)
		}
		if negateRank {
			sn.Score = -rank
		}
		if metaJSON != "" && metaJSON != "{}" {
			if err := json.Unmarshal([]byte(metaJSON), &sn.Metadata); err != nil {
				sn.Metadata = nil
			}
		}
		out = append(out, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("knowledge: rows: %w", err)
	}
	return out, nil
}

// generateID returns a short random hex ID (8 bytes = 16 hex chars).
func generateID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
