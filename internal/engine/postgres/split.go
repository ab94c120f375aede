package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// SplitBoundary appends value as the new maximum boundary. The parent is
// locked with NOWAIT so a concurrent split surfaces as a conflict instead of
// queueing behind it. When the table has a MAXVALUE tail, the tail is
// detached, rows at or past value move to a new tail, and both are attached
// with their new bounds.
func (e *Engine) SplitBoundary(ctx context.Context, table string, expectedMax, value types.Boundary) error {
	err := e.withTx(ctx, func(tx pgx.Tx) error {
		pcol, err := partitionColumn(ctx, tx, table)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("LOCK TABLE %s IN ACCESS EXCLUSIVE MODE NOWAIT", ident(table))); err != nil {
			return err
		}

		bounds, err := loadBounds(ctx, tx, table)
		if err != nil {
			return err
		}
		current := boundariesOf(bounds)

		top, ok := partition.MaxBoundary(current)
		if ok != !expectedMax.IsZero() || (ok && !top.Equal(expectedMax)) {
			return rkerrors.NewConflict(rkerrors.CodeConcurrentSplit,
				fmt.Sprintf("table %s maximum boundary moved from %s", table, expectedMax), nil).
				WithDetails(map[string]interface{}{rkerrors.DetailBoundaries: partition.Strings(current)})
		}
		if err := partition.ValidateNewBoundary(current, value); err != nil {
			return err
		}

		v := value
		var tail *partitionBound
		if n := len(bounds); n > 0 && bounds[n-1].upper == nil {
			tail = &bounds[n-1]
		}

		if tail == nil {
			// No open tail: add [max, value), or [MINVALUE, value) on an empty table.
			var lower *types.Boundary
			if ok {
				lower = &top
			}
			name := partitionName(table, lower)
			_, err := tx.Exec(ctx, fmt.Sprintf("CREATE TABLE %s PARTITION OF %s %s",
				ident(name), ident(table), forValues(lower, &v)))
			return err
		}

		next := partitionName(table, &v)
		stmts := []struct {
			sql  string
			args []any
		}{
			{fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", ident(table), ident(tail.name)), nil},
			{fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING ALL)", ident(next), ident(tail.name)), nil},
			{fmt.Sprintf("INSERT INTO %s SELECT * FROM %s WHERE %s >= $1::date",
				ident(next), ident(tail.name), ident(pcol)), []any{value.Time()}},
			{fmt.Sprintf("DELETE FROM %s WHERE %s >= $1::date", ident(tail.name), ident(pcol)), []any{value.Time()}},
			{fmt.Sprintf("ALTER TABLE %s ATTACH PARTITION %s %s",
				ident(table), ident(tail.name), forValues(tail.lower, &v)), nil},
			{fmt.Sprintf("ALTER TABLE %s ATTACH PARTITION %s %s",
				ident(table), ident(next), forValues(&v, nil)), nil},
		}
		for _, s := range stmts {
			if _, err := tx.Exec(ctx, s.sql, s.args...); err != nil {
				return fmt.Errorf("engine/postgres: split %s at %s: %w", table, value, err)
			}
		}
		return nil
	})

	return lockConflict(err, table, "split")
}
