// Package cursor persists migration progress so an interrupted run resumes
// after the last committed batch. Cursors only move forward.
package cursor

import (
	"context"
	"fmt"
	"sort"
	"sync"

	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// Store loads and saves migration cursors by run ID.
type Store interface {
	// Load returns the cursor of runID, or MIGRATION:CURSOR_NOT_FOUND.
	Load(ctx context.Context, runID string) (types.MigrationCursor, error)

	// Save stores c. A cursor that would move backwards is rejected with
	// VALIDATION:CURSOR_REGRESSED and the stored cursor is kept.
	Save(ctx context.Context, c types.MigrationCursor) error

	// List returns every stored cursor ordered by run ID.
	List(ctx context.Context) ([]types.MigrationCursor, error)

	// Delete removes the cursor of runID. Deleting a missing cursor is not an error.
	Delete(ctx context.Context, runID string) error
}

func notFound(runID string) error {
	return rkerrors.New(rkerrors.ErrCategoryMigration, rkerrors.CodeCursorNotFound,
		fmt.Sprintf("no cursor for run %s", runID))
}

func regressed(prev, next types.MigrationCursor) error {
	return rkerrors.NewValidationError(rkerrors.CodeCursorRegressed,
		fmt.Sprintf("cursor for run %s would move from %s to %s", prev.RunID, prev, next)).
		WithDetails(map[string]interface{}{rkerrors.DetailLastCursor: prev})
}

// checkAdvance validates a transition from prev (if present) to next.
func checkAdvance(prev *types.MigrationCursor, next types.MigrationCursor) error {
	if next.RunID == "" {
		return rkerrors.NewValidationError(rkerrors.CodeInvalidJob, "cursor requires a run ID")
	}
	if prev != nil && prev.Regresses(next) {
		return regressed(*prev, next)
	}
	return nil
}

// MemoryStore keeps cursors in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]types.MigrationCursor
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cursors: make(map[string]types.MigrationCursor)}
}

// Load returns the cursor of runID or CURSOR_NOT_FOUND.
func (s *MemoryStore) Load(_ context.Context, runID string) (types.MigrationCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[runID]
	if !ok {
		return types.MigrationCursor{}, notFound(runID)
	}
	return c, nil
}

// Save stores c unless it would regress the stored cursor.
func (s *MemoryStore) Save(_ context.Context, c types.MigrationCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *types.MigrationCursor
	if p, ok := s.cursors[c.RunID]; ok {
		prev = &p
	}
	if err := checkAdvance(prev, c); err != nil {
		return err
	}
	s.cursors[c.RunID] = c
	return nil
}

// List returns every cursor ordered by run ID.
func (s *MemoryStore) List(_ context.Context) ([]types.MigrationCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.MigrationCursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// Delete removes the cursor of runID; a missing cursor is not an error.
func (s *MemoryStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, runID)
	return nil
}
