package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
)

// CopyBatch copies the next req.Limit source rows past the cursor that match
// the predicate and are absent from the destination. The candidate keys are
// measured first and then inserted by key range inside the same immediate
// transaction, so the count is exact even when the destination is a routed
// view whose trigger-driven inserts report no affected rows.
func (e *Engine) CopyBatch(ctx context.Context, req engine.BatchRequest) (engine.BatchOutcome, error) {
	var out engine.BatchOutcome
	if req.Limit <= 0 {
		return out, rkerrors.NewValidationError(rkerrors.CodeInvalidJob, "batch limit must be positive")
	}
	for _, name := range append([]string{req.Source, req.Destination, req.KeyColumn}, req.Columns...) {
		if err := checkIdent("identifier", name); err != nil {
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

	key := "s." + quoteIdent(req.KeyColumn)
	filter := fmt.Sprintf("%s > ?", key)
	args := []any{after}
	if !req.Predicate.IsEmpty() {
		filter += " AND (" + req.Predicate.SQL + ")"
		args = append(args, req.Predicate.Args...)
	}
	filter += fmt.Sprintf(" AND NOT EXISTS (SELECT 1 FROM %s AS d WHERE d.%s = %s)",
		quoteIdent(req.Destination), quoteIdent(req.KeyColumn), key)

	measure := fmt.Sprintf(`SELECT COUNT(*), MIN(k), MAX(k) FROM (
		SELECT %s AS k FROM %s AS s WHERE %s ORDER BY %s LIMIT ?)`,
		key, quoteIdent(req.Source), filter, key)

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.withTx(ctx, func(tx *sql.Tx) error {
		var first, last sql.NullInt64
		if err := tx.QueryRowContext(ctx, measure, append(args, req.Limit)...).
			Scan(&out.Rows, &first, &last); err != nil {
			return err
		}
		if out.Rows == 0 {
			return nil
		}
		out.FirstKey, out.LastKey = first.Int64, last.Int64

		insert := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS s WHERE %s AND %s <= ?",
			quoteIdent(req.Destination), quoteAll(cols, ""), quoteAll(cols, "s."),
			quoteIdent(req.Source), filter, key)
		_, err := tx.ExecContext(ctx, insert, append(args, out.LastKey)...)
		return err
	})
	if err != nil {
		out = engine.BatchOutcome{}
		if isTransient(err) {
			return out, rkerrors.NewTransient(fmt.Sprintf("batch %s -> %s", req.Source, req.Destination), err)
		}
		return out, fmt.Errorf("engine/sqlite: batch %s -> %s failed: %w", req.Source, req.Destination, err)
	}
	return out, nil
}

// columnsOf returns the column names of a table or view.
func (e *Engine) columnsOf(ctx context.Context, table string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, rkerrors.NewNotFound(rkerrors.CodeTableNotPartitioned,
			fmt.Sprintf("table %s does not exist", table))
	}
	return cols, nil
}

// ScanTable calls fn for every row of table. []byte values are returned as
// strings.
func (e *Engine) ScanTable(ctx context.Context, table string, fn func(row map[string]any) error) (int64, error) {
	if err := checkIdent("table", table); err != nil {
		return 0, err
	}
	rows, err := e.db.QueryContext(ctx, "SELECT * FROM "+quoteIdent(table))
	if err != nil {
		return 0, fmt.Errorf("engine/sqlite: failed to scan %s: %w", table, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}

	var n int64
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, fmt.Errorf("engine/sqlite: failed to read row of %s: %w", table, err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		if err := fn(row); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}
