package postgres

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
)

// batchKeyAlias carries the key through the batch CTE independently of the
// copied column list.
const batchKeyAlias = "rk_batch_key"

// CopyBatch copies the next req.Limit matching rows past the cursor that are
// absent from the destination. One statement selects, inserts and reports
// the batch. Predicate placeholders are $1..$n; the engine's own parameters
// follow them.
func (e *Engine) CopyBatch(ctx context.Context, req engine.BatchRequest) (engine.BatchOutcome, error) {
	var out engine.BatchOutcome
	if req.Limit <= 0 {
		return out, rkerrors.NewValidationError(rkerrors.CodeInvalidJob, "batch limit must be positive")
	}
	for _, name := range append([]string{req.Source, req.Destination, req.KeyColumn}, req.Columns...) {
		if err := engine.CheckIdentifier("identifier", name); err != nil {
			return out, err
		}
	}

	cols := req.Columns
	if len(cols) == 0 {
		var err error
		if cols, err = e.columnsOf(ctx, req.Destination); err != nil {
			return out, err
		}
	}

	after := int64(math.MinInt64)
	if req.HasAfter {
		after = req.After
	}

	args := append([]any{}, req.Predicate.Args...)
	n := len(args)
	key := "s." + ident(req.KeyColumn)

	where := fmt.Sprintf("%s > $%d::bigint", key, n+1)
	if !req.Predicate.IsEmpty() {
		where += " AND (" + req.Predicate.SQL + ")"
	}
	where += fmt.Sprintf(" AND NOT EXISTS (SELECT 1 FROM %s AS d WHERE d.%s = %s)",
		ident(req.Destination), ident(req.KeyColumn), key)
	args = append(args, after, req.Limit)

	quoted := make([]string, len(cols))
	sourced := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = ident(c)
		sourced[i] = "s." + ident(c)
	}

	stmt := fmt.Sprintf(`
		WITH batch AS (
			SELECT %s AS %s, %s FROM %s AS s
			WHERE %s
			ORDER BY %s
			LIMIT $%d
		), ins AS (
			INSERT INTO %s (%s) SELECT %s FROM batch
		)
		SELECT count(*), coalesce(min(%s), 0), coalesce(max(%s), 0) FROM batch`,
		key, batchKeyAlias, strings.Join(sourced, ", "), ident(req.Source),
		where, key, n+2,
		ident(req.Destination), strings.Join(quoted, ", "), strings.Join(quoted, ", "),
		batchKeyAlias, batchKeyAlias)

	err := e.withTx(ctx, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, stmt, args...).Scan(&out.Rows, &out.FirstKey, &out.LastKey)
	})
	if err != nil {
		out = engine.BatchOutcome{}
		if isTransient(err) {
			return out, rkerrors.NewTransient(fmt.Sprintf("batch %s -> %s", req.Source, req.Destination), err)
		}
		return out, fmt.Errorf("engine/postgres: batch %s -> %s failed: %w", req.Source, req.Destination, err)
	}
	return out, nil
}

func (e *Engine) columnsOf(ctx context.Context, table string) ([]string, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT attname FROM pg_attribute
		WHERE attrelid = to_regclass($1) AND attnum > 0 AND NOT attisdropped
		ORDER BY attnum`, ident(table))
	if err != nil {
		return nil, fmt.Errorf("engine/postgres: failed to read columns of %s: %w", table, err)
	}
	cols, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, rkerrors.NewNotFound(rkerrors.CodeTableNotPartitioned,
			fmt.Sprintf("table %s does not exist", table))
	}
	return cols, nil
}

// ScanTable calls fn for every row of table.
func (e *Engine) ScanTable(ctx context.Context, table string, fn func(row map[string]any) error) (int64, error) {
	if err := engine.CheckIdentifier("table", table); err != nil {
		return 0, err
	}
	rows, err := e.pool.Query(ctx, "SELECT * FROM "+ident(table))
	if err != nil {
		return 0, fmt.Errorf("engine/postgres: failed to scan %s: %w", table, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var n int64
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return n, fmt.Errorf("engine/postgres: failed to read row of %s: %w", table, err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		if err := fn(row); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}
