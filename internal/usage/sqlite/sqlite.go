// Package sqlite stores the token-usage ledger in a local SQLite file using the
// cgo-free modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/MrWong99/toolweave/internal/usage"
)

var _ usage.Ledger = (*Ledger)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS provider_usage (
    id                TEXT    PRIMARY KEY,
    request_id        TEXT    NOT NULL DEFAULT '',
    provider          TEXT    NOT NULL,
    model             TEXT    NOT NULL DEFAULT '',
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens      INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_provider_usage_created_at
    ON provider_usage (created_at);

CREATE INDEX IF NOT EXISTS idx_provider_usage_provider_created
    ON provider_usage (provider, created_at);
`

// Ledger is a SQLite-backed [usage.Ledger]. created_at is stored as Unix
// nanoseconds so range filters compare numerically.
type Ledger struct {
	db *sql.DB
}

// Open opens (or creates) the ledger at path and applies the schema. Parent
// directories are created as needed. The special path ":memory:" opens a
// private in-memory database.
func Open(ctx context.Context, path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite ledger: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite ledger: open: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serialises
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ledger: enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ledger: migrate: %w", err)
	}

	slog.Debug("usage ledger opened", "driver", "sqlite", "path", path)
	return &Ledger{db: db}, nil
}

// Record implements [usage.Ledger].
func (l *Ledger) Record(ctx context.Context, e usage.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.TotalTokens == 0 {
		e.TotalTokens = e.PromptTokens + e.CompletionTokens
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO provider_usage (
			id, request_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.Provider, e.Model,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite ledger: insert: %w", err)
	}
	return nil
}

// Stats implements [usage.Ledger].
func (l *Ledger) Stats(ctx context.Context, f usage.Filter) (usage.Stats, error) {
	query := `
		SELECT
			COALESCE(SUM(prompt_tokens), 0),
			COALESCE(SUM(completion_tokens), 0),
			COALESCE(SUM(total_tokens), 0),
			COUNT(*)
		FROM provider_usage
		WHERE 1=1`
	var args []any
	if f.Provider != "" {
		query += " AND provider = ?"
		args = append(args, f.Provider)
	}
	if !f.Since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.Since.UnixNano())
	}
	if !f.Until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, f.Until.UnixNano())
	}

	var st usage.Stats
	err := l.db.QueryRowContext(ctx, query, args...).Scan(
		&st.PromptTokens, &st.CompletionTokens, &st.TotalTokens, &st.Requests,
	)
	if err != nil {
		return usage.Stats{}, fmt.Errorf("sqlite ledger: stats: %w", err)
	}
	return st, nil
}

// Close implements [usage.Ledger].
func (l *Ledger) Close() error {
	return l.db.Close()
}
