// Package sqlite provides a durable checkpoint store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/agentloop/core"
)

// Store implements core.CheckpointStore on a single SQLite table. Each Put
// runs in one transaction so readers never see a partially written row.
type Store struct {
	db *sql.DB
}

var (
	_ core.CheckpointStore = (*Store)(nil)
	_ core.Pruner          = (*Store)(nil)
)

// New opens (or creates) the database at dsn and applies migrations.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// NewFromDB wraps an already opened database.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT PRIMARY KEY,
			step_index INTEGER NOT NULL,
			revision INTEGER NOT NULL,
			messages TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_updated ON checkpoints(updated_at)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Get implements core.CheckpointStore.
func (s *Store) Get(ctx context.Context, threadID string) (core.Checkpoint, bool, error) {
	var (
		cp        = core.Checkpoint{ThreadID: threadID}
		messages  string
		updatedAt int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT step_index, revision, messages, updated_at FROM checkpoints WHERE thread_id = ?`,
		threadID,
	).Scan(&cp.StepIndex, &cp.Revision, &messages, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Checkpoint{}, false, nil
	}

	if err != nil {
		return core.Checkpoint{}, false, fmt.Errorf("failed to get checkpoint: %w", err)
	}

	msgs, err := core.UnmarshalMessages([]byte(messages))
	if err != nil {
		return core.Checkpoint{}, false, fmt.Errorf("failed to decode messages of %s: %w", threadID, err)
	}

	cp.Messages = msgs
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()

	return cp, true, nil
}

// Put implements core.CheckpointStore.
func (s *Store) Put(ctx context.Context, cp core.Checkpoint) error {
	messages, err := core.MarshalMessages(cp.Messages)
	if err != nil {
		return fmt.Errorf("failed to encode messages of %s: %w", cp.ThreadID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, step_index, revision, messages, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			step_index = excluded.step_index,
			revision = excluded.revision,
			messages = excluded.messages,
			updated_at = excluded.updated_at
	`, cp.ThreadID, cp.StepIndex, cp.Revision, string(messages), cp.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to put checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	return nil
}

// Prune implements core.Pruner.
func (s *Store) Prune(ctx context.Context, before time.Time, keep func(string) bool) (int, error) {
	cutoff := before.UnixNano()

	if keep == nil {
		res, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE updated_at < ?`, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to prune checkpoints: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count pruned checkpoints: %w", err)
		}

		return int(n), nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT thread_id FROM checkpoints WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired checkpoints: %w", err)
	}

	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("failed to scan expired checkpoint: %w", err)
		}
		if !keep(id) {
			expired = append(expired, id)
		}
	}
	if err := rows.Close(); err != nil {
		return 0, fmt.Errorf("failed to list expired checkpoints: %w", err)
	}

	n := 0
	for _, id := range expired {
		res, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE thread_id = ? AND updated_at < ?`, id, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to prune checkpoint %s: %w", id, err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to count pruned checkpoints: %w", err)
		}
		n += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	return n, nil
}

// Count returns the number of stored threads.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	return n, nil
}
