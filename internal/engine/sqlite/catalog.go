package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// tableMeta is a row of rk_tables.
type tableMeta struct {
	name            string
	keyColumn       string
	partitionColumn string
	columns         []string
	def             types.TableDef
}

// partitionRow is a row of rk_partitions. Empty bounds are open.
type partitionRow struct {
	physical string
	lower    string
	upper    string
}

func loadMeta(ctx context.Context, q querier, table string) (tableMeta, error) {
	var meta tableMeta
	var columnsJSON string
	err := q.QueryRowContext(ctx, `
		SELECT table_name, key_column, partition_column, columns_json
		FROM rk_tables WHERE table_name = ?`, table).
		Scan(&meta.name, &meta.keyColumn, &meta.partitionColumn, &columnsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return meta, rkerrors.NewNotFound(rkerrors.CodeTableNotPartitioned,
			fmt.Sprintf("table %s is not partitioned", table)).
			WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
	}
	if err != nil {
		return meta, fmt.Errorf("engine/sqlite: failed to load table %s: %w", table, err)
	}

	var cols []types.ColumnDef
	if err := json.Unmarshal([]byte(columnsJSON), &cols); err != nil {
		return meta, fmt.Errorf("engine/sqlite: corrupt column list for %s: %w", table, err)
	}
	meta.def = types.TableDef{
		Name:            meta.name,
		Columns:         cols,
		KeyColumn:       meta.keyColumn,
		PartitionColumn: meta.partitionColumn,
	}
	meta.columns = meta.def.ColumnNames()
	return meta, nil
}

// loadPartitions returns partitions in ascending range order. SQLite sorts
// NULL first, which puts the open-below partition at ordinal 1.
func loadPartitions(ctx context.Context, q querier, table string) ([]partitionRow, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT physical_name, lower_bound, upper_bound
		FROM rk_partitions WHERE table_name = ?
		ORDER BY lower_bound ASC`, table)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: failed to list partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var parts []partitionRow
	for rows.Next() {
		var p partitionRow
		var lower, upper sql.NullString
		if err := rows.Scan(&p.physical, &lower, &upper); err != nil {
			return nil, fmt.Errorf("engine/sqlite: failed to scan partition: %w", err)
		}
		p.lower, p.upper = lower.String, upper.String
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func boundariesOf(parts []partitionRow) ([]types.Boundary, error) {
	var out []types.Boundary
	for _, p := range parts {
		if p.upper == "" {
			continue
		}
		b, err := types.ParseBoundary(p.upper)
		if err != nil {
			return nil, fmt.Errorf("engine/sqlite: corrupt boundary %q: %w", p.upper, err)
		}
		out = append(out, b)
	}
	return out, nil
}

func objectExists(ctx context.Context, q querier, name string) (string, bool, error) {
	var kind string
	err := q.QueryRowContext(ctx,
		`SELECT type FROM sqlite_master WHERE name = ? AND type IN ('table', 'view')`, name).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return kind, true, nil
}

// ListBoundaries returns the committed boundaries of table in ascending order.
func (e *Engine) ListBoundaries(ctx context.Context, table string) ([]types.Boundary, error) {
	if _, err := loadMeta(ctx, e.db, table); err != nil {
		return nil, err
	}
	parts, err := loadPartitions(ctx, e.db, table)
	if err != nil {
		return nil, err
	}
	return boundariesOf(parts)
}

// BoundaryExists reports whether value is a boundary of table.
func (e *Engine) BoundaryExists(ctx context.Context, table string, value types.Boundary) (bool, error) {
	if _, err := loadMeta(ctx, e.db, table); err != nil {
		return false, err
	}
	var n int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rk_partitions WHERE table_name = ? AND upper_bound = ?`,
		table, value.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("engine/sqlite: boundary lookup failed: %w", err)
	}
	return n > 0, nil
}

// Partitions returns the ranges of table with their row counts.
func (e *Engine) Partitions(ctx context.Context, table string) ([]types.PartitionRange, error) {
	if _, err := loadMeta(ctx, e.db, table); err != nil {
		return nil, err
	}
	parts, err := loadPartitions(ctx, e.db, table)
	if err != nil {
		return nil, err
	}
	boundaries, err := boundariesOf(parts)
	if err != nil {
		return nil, err
	}

	ranges := partition.Ranges(boundaries)
	if len(ranges) != len(parts) {
		return nil, fmt.Errorf("engine/sqlite: catalog for %s has %d partitions but %d boundaries",
			table, len(parts), len(boundaries))
	}
	for i, p := range parts {
		ranges[i].Name = p.physical
		if err := e.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quoteIdent(p.physical)).
			Scan(&ranges[i].RowCount); err != nil {
			return nil, fmt.Errorf("engine/sqlite: failed to count %s: %w", p.physical, err)
		}
	}
	return ranges, nil
}

// CreatePartitionedTable creates the physical partitions, catalog rows and
// routing view for def.
func (e *Engine) CreatePartitionedTable(ctx context.Context, def types.TableDef, boundaries []types.Boundary) error {
	if err := validateDef(def); err != nil {
		return err
	}
	if err := partition.ValidateBoundaries(boundaries); err != nil {
		return rkerrors.Wrap(rkerrors.ErrCategoryValidation, rkerrors.CodeBoundaryNotAscending,
			"invalid initial boundaries", err)
	}

	columnsJSON, err := json.Marshal(def.Columns)
	if err != nil {
		return fmt.Errorf("engine/sqlite: failed to encode columns: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if _, exists, err := objectExists(ctx, tx, def.Name); err != nil {
			return err
		} else if exists {
			return fmt.Errorf("engine/sqlite: table %s already exists", def.Name)
		}

		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rk_tables (table_name, key_column, partition_column, columns_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			def.Name, def.KeyColumn, def.PartitionColumn, string(columnsJSON), now); err != nil {
			return fmt.Errorf("engine/sqlite: failed to register %s: %w", def.Name, err)
		}

		parts := make([]partitionRow, 0, len(boundaries)+1)
		for _, r := range partition.Ranges(boundaries) {
			p := partitionRow{physical: physicalName(def.Name)}
			if r.Lower != nil {
				p.lower = r.Lower.String()
			}
			if r.Upper != nil {
				p.upper = r.Upper.String()
			}
			if err := insertPartition(ctx, tx, def.Name, p, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, createTableSQL(p.physical, def)); err != nil {
				return fmt.Errorf("engine/sqlite: failed to create partition %s: %w", p.physical, err)
			}
			parts = append(parts, p)
		}

		meta := tableMeta{name: def.Name, keyColumn: def.KeyColumn, partitionColumn: def.PartitionColumn,
			columns: def.ColumnNames(), def: def}
		return createRouting(ctx, tx, meta, parts)
	})
	return err
}

// CreateTable creates a plain table with def's columns.
func (e *Engine) CreateTable(ctx context.Context, def types.TableDef) error {
	if err := validateDef(def); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.db.ExecContext(ctx, createTableSQL(def.Name, def)); err != nil {
		return fmt.Errorf("engine/sqlite: failed to create table %s: %w", def.Name, err)
	}
	return nil
}

func insertPartition(ctx context.Context, tx *sql.Tx, table string, p partitionRow, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rk_partitions (table_name, physical_name, lower_bound, upper_bound, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		table, p.physical, nullIfEmpty(p.lower), nullIfEmpty(p.upper), now)
	if err != nil {
		return fmt.Errorf("engine/sqlite: failed to record partition %s: %w", p.physical, err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func validateDef(def types.TableDef) error {
	if err := def.Validate(); err != nil {
		return rkerrors.Wrap(rkerrors.ErrCategoryValidation, rkerrors.CodeInvalidJob, "invalid table definition", err)
	}
	if err := checkIdent("table", def.Name); err != nil {
		return err
	}
	for _, c := range def.Columns {
		if err := checkIdent("column", c.Name); err != nil {
			return err
		}
	}
	return nil
}
