package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// SplitBoundary appends value as the new maximum boundary. The open tail
// partition is narrowed to [previous max, value) and a new physical table
// takes over [value, +inf), receiving any tail rows at or past value. The
// catalog update, row move and routing rebuild commit together.
func (e *Engine) SplitBoundary(ctx context.Context, table string, expectedMax, value types.Boundary) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := loadMeta(ctx, tx, table)
		if err != nil {
			return err
		}
		parts, err := loadPartitions(ctx, tx, table)
		if err != nil {
			return err
		}
		current, err := boundariesOf(parts)
		if err != nil {
			return err
		}

		top, ok := partition.MaxBoundary(current)
		if ok != !expectedMax.IsZero() || (ok && !top.Equal(expectedMax)) {
			return rkerrors.NewConflict(rkerrors.CodeConcurrentSplit,
				fmt.Sprintf("table %s maximum boundary moved from %s", table, expectedMax), nil).
				WithDetails(map[string]interface{}{rkerrors.DetailBoundaries: partition.Strings(current)})
		}
		if err := partition.ValidateNewBoundary(current, value); err != nil {
			return err
		}

		tail := parts[len(parts)-1]
		if tail.upper != "" {
			return fmt.Errorf("engine/sqlite: catalog for %s has no open tail partition", table)
		}

		if err := dropRouting(ctx, tx, table); err != nil {
			return err
		}

		next := partitionRow{physical: physicalName(table), lower: value.String()}
		if _, err := tx.ExecContext(ctx, createTableSQL(next.physical, meta.def)); err != nil {
			return fmt.Errorf("engine/sqlite: failed to create partition %s: %w", next.physical, err)
		}

		pcol := quoteIdent(meta.partitionColumn)
		cols := quoteAll(meta.columns, "")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s >= ?",
			quoteIdent(next.physical), cols, cols, quoteIdent(tail.physical), pcol), value.String()); err != nil {
			return fmt.Errorf("engine/sqlite: failed to move rows into %s: %w", next.physical, err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(
			"DELETE FROM %s WHERE %s >= ?", quoteIdent(tail.physical), pcol), value.String()); err != nil {
			return fmt.Errorf("engine/sqlite: failed to trim %s: %w", tail.physical, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE rk_partitions SET upper_bound = ? WHERE table_name = ? AND physical_name = ?`,
			value.String(), table, tail.physical); err != nil {
			return fmt.Errorf("engine/sqlite: failed to close tail partition: %w", err)
		}
		if err := insertPartition(ctx, tx, table, next, time.Now().Unix()); err != nil {
			return err
		}

		parts[len(parts)-1].upper = value.String()
		parts = append(parts, next)
		return createRouting(ctx, tx, meta, parts)
	})

	if isBusy(err) {
		return rkerrors.NewConflict(rkerrors.CodeConcurrentSplit,
			fmt.Sprintf("table %s is locked by another writer", table), err)
	}
	return err
}
