package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// CreateCursorsSQL creates the cursor table used by SQLiteStore.
const CreateCursorsSQL = `
CREATE TABLE IF NOT EXISTS rk_cursors (
    run_id TEXT PRIMARY KEY,
    last_key INTEGER,
    state_json TEXT NOT NULL,
    updated_at INTEGER NOT NULL
)`

// SQLiteStore keeps cursors in a SQLite table, usually in the same database
// file as the catalog.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the cursor table on db if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(CreateCursorsSQL); err != nil {
		return nil, fmt.Errorf("cursor: failed to create cursor table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reads the cursor row of runID or returns CURSOR_NOT_FOUND.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (types.MigrationCursor, error) {
	return loadCursor(ctx, s.db, runID)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadCursor(ctx context.Context, q rowQuerier, runID string) (types.MigrationCursor, error) {
	var state string
	err := q.QueryRowContext(ctx, `SELECT state_json FROM rk_cursors WHERE run_id = ?`, runID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return types.MigrationCursor{}, notFound(runID)
	}
	if err != nil {
		return types.MigrationCursor{}, fmt.Errorf("cursor: failed to load %s: %w", runID, err)
	}
	var c types.MigrationCursor
	if err := json.Unmarshal([]byte(state), &c); err != nil {
		return types.MigrationCursor{}, fmt.Errorf("cursor: corrupt cursor %s: %w", runID, err)
	}
	return c, nil
}

// Save compares against the stored cursor and writes in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, c types.MigrationCursor) error {
	state, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("cursor: failed to encode %s: %w", c.RunID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var prev *types.MigrationCursor
	if p, err := loadCursor(ctx, tx, c.RunID); err == nil {
		prev = &p
	} else if !isNotFound(err) {
		return err
	}
	if err := checkAdvance(prev, c); err != nil {
		return err
	}

	var lastKey any
	if c.HasKey {
		lastKey = c.LastKey
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rk_cursors (run_id, last_key, state_json, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE SET
			last_key = excluded.last_key,
			state_json = excluded.state_json,
			updated_at = excluded.updated_at`,
		c.RunID, lastKey, string(state), c.UpdatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("cursor: failed to save %s: %w", c.RunID, err)
	}
	return tx.Commit()
}

// List returns every stored cursor ordered by run ID.
func (s *SQLiteStore) List(ctx context.Context) ([]types.MigrationCursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state_json FROM rk_cursors ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("cursor: failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []types.MigrationCursor
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		var c types.MigrationCursor
		if err := json.Unmarshal([]byte(state), &c); err != nil {
			return nil, fmt.Errorf("cursor: corrupt cursor row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Delete removes the cursor row of runID.
func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM rk_cursors WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("cursor: failed to delete %s: %w", runID, err)
	}
	return nil
}
