package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// partitionColumn returns the range key of a partitioned table, or a
// REGISTRY:TABLE_NOT_PARTITIONED error.
func partitionColumn(ctx context.Context, q querier, table string) (string, error) {
	var col string
	err := q.QueryRow(ctx, `
		SELECT a.attname
		FROM pg_partitioned_table p
		JOIN pg_attribute a ON a.attrelid = p.partrelid AND a.attnum = p.partattrs[0]
		WHERE p.partrelid = to_regclass($1) AND p.partstrat = 'r'`, ident(table)).Scan(&col)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", rkerrors.NewNotFound(rkerrors.CodeTableNotPartitioned,
			fmt.Sprintf("table %s is not range partitioned", table)).
			WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
	}
	if err != nil {
		return "", fmt.Errorf("engine/postgres: failed to inspect %s: %w", table, err)
	}
	return col, nil
}

// loadBounds returns the children of table ordered by lower bound.
func loadBounds(ctx context.Context, q querier, table string) ([]partitionBound, error) {
	rows, err := q.Query(ctx, `
		SELECT c.relname, pg_get_expr(c.relpartbound, c.oid)
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		WHERE i.inhparent = to_regclass($1)`, ident(table))
	if err != nil {
		return nil, fmt.Errorf("engine/postgres: failed to list partitions of %s: %w", table, err)
	}
	defer rows.Close()

	var bounds []partitionBound
	for rows.Next() {
		var name, expr string
		if err := rows.Scan(&name, &expr); err != nil {
			return nil, fmt.Errorf("engine/postgres: failed to scan partition: %w", err)
		}
		pb, err := parseBound(expr)
		if err != nil {
			return nil, fmt.Errorf("engine/postgres: partition %s: %w", name, err)
		}
		pb.name = name
		bounds = append(bounds, pb)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderBounds(bounds), nil
}

// ListBoundaries returns the committed boundaries of table in ascending order.
func (e *Engine) ListBoundaries(ctx context.Context, table string) ([]types.Boundary, error) {
	if _, err := partitionColumn(ctx, e.pool, table); err != nil {
		return nil, err
	}
	bounds, err := loadBounds(ctx, e.pool, table)
	if err != nil {
		return nil, err
	}
	return boundariesOf(bounds), nil
}

// BoundaryExists reports whether value is a boundary of table.
func (e *Engine) BoundaryExists(ctx context.Context, table string, value types.Boundary) (bool, error) {
	boundaries, err := e.ListBoundaries(ctx, table)
	if err != nil {
		return false, err
	}
	return partition.Contains(boundaries, value), nil
}

// Partitions returns the ranges of table with their row counts.
func (e *Engine) Partitions(ctx context.Context, table string) ([]types.PartitionRange, error) {
	if _, err := partitionColumn(ctx, e.pool, table); err != nil {
		return nil, err
	}
	bounds, err := loadBounds(ctx, e.pool, table)
	if err != nil {
		return nil, err
	}

	ranges := make([]types.PartitionRange, len(bounds))
	for i, pb := range bounds {
		ranges[i] = types.PartitionRange{Ordinal: i + 1, Lower: pb.lower, Upper: pb.upper, Name: pb.name}
		if err := e.pool.QueryRow(ctx, "SELECT count(*) FROM "+ident(pb.name)).Scan(&ranges[i].RowCount); err != nil {
			return nil, fmt.Errorf("engine/postgres: failed to count %s: %w", pb.name, err)
		}
	}
	return ranges, nil
}

// createTableSQL renders a table for def. When def has a partition column the
// primary key includes it, as PostgreSQL requires for partitioned tables;
// plain archive tables get the same key so their shape matches a partition.
func createTableSQL(def types.TableDef, partitioned bool) string {
	cols := make([]string, 0, len(def.Columns)+1)
	for _, c := range def.Columns {
		col := ident(c.Name) + " " + c.Type
		if !c.Nullable || strings.EqualFold(c.Name, def.KeyColumn) || strings.EqualFold(c.Name, def.PartitionColumn) {
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	pk := []string{ident(def.KeyColumn)}
	if def.PartitionColumn != "" && !strings.EqualFold(def.PartitionColumn, def.KeyColumn) {
		pk = append(pk, ident(def.PartitionColumn))
	}
	cols = append(cols, "PRIMARY KEY ("+strings.Join(pk, ", ")+")")

	stmt := fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", ident(def.Name), strings.Join(cols, ",\n    "))
	if partitioned {
		stmt += " PARTITION BY RANGE (" + ident(def.PartitionColumn) + ")"
	}
	return stmt
}

func validateDef(def types.TableDef) error {
	if err := def.Validate(); err != nil {
		return rkerrors.Wrap(rkerrors.ErrCategoryValidation, rkerrors.CodeInvalidJob, "invalid table definition", err)
	}
	if err := engine.CheckIdentifier("table", def.Name); err != nil {
		return err
	}
	for _, c := range def.Columns {
		if err := engine.CheckIdentifier("column", c.Name); err != nil {
			return err
		}
	}
	return nil
}

// CreatePartitionedTable creates a range-partitioned table with one child
// per range, named after its lower bound.
func (e *Engine) CreatePartitionedTable(ctx context.Context, def types.TableDef, boundaries []types.Boundary) error {
	if err := validateDef(def); err != nil {
		return err
	}
	if err := partition.ValidateBoundaries(boundaries); err != nil {
		return rkerrors.Wrap(rkerrors.ErrCategoryValidation, rkerrors.CodeBoundaryNotAscending,
			"invalid initial boundaries", err)
	}

	return e.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, createTableSQL(def, true)); err != nil {
			return fmt.Errorf("engine/postgres: failed to create %s: %w", def.Name, err)
		}
		for _, r := range partition.Ranges(boundaries) {
			name := partitionName(def.Name, r.Lower)
			stmt := fmt.Sprintf("CREATE TABLE %s PARTITION OF %s %s", ident(name), ident(def.Name), forValues(r.Lower, r.Upper))
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("engine/postgres: failed to create partition %s: %w", name, err)
			}
		}
		return nil
	})
}

// CreateTable creates a plain table with def's columns.
func (e *Engine) CreateTable(ctx context.Context, def types.TableDef) error {
	if err := validateDef(def); err != nil {
		return err
	}
	if _, err := e.pool.Exec(ctx, createTableSQL(def, false)); err != nil {
		return fmt.Errorf("engine/postgres: failed to create table %s: %w", def.Name, err)
	}
	return nil
}
