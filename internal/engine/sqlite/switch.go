package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// SwitchOut swaps the storage of partition ordinal of table with archive by
// renaming physical tables. No rows are copied. For a partitioned archive the
// swap happens with its partition at the same ordinal.
func (e *Engine) SwitchOut(ctx context.Context, table string, ordinal int, archive string) (*engine.SwitchResult, error) {
	start := time.Now()
	if err := checkIdent("table", archive); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var result *engine.SwitchResult
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		meta, err := loadMeta(ctx, tx, table)
		if err != nil {
			return err
		}
		parts, err := loadPartitions(ctx, tx, table)
		if err != nil {
			return err
		}
		boundaries, err := boundariesOf(parts)
		if err != nil {
			return err
		}
		srcRange, ok := partition.RangeAt(boundaries, ordinal)
		if !ok {
			return rkerrors.NewSchemaMismatch(fmt.Sprintf(
				"table %s has no partition %d (partitions 1..%d)", table, ordinal, len(parts)))
		}
		source := parts[ordinal-1]
		srcRange.Name = source.physical

		if archive == table {
			return rkerrors.NewSchemaMismatch("archive table must differ from the source table")
		}

		target, archiveMeta, err := resolveArchiveTarget(ctx, tx, archive, ordinal, boundaries)
		if err != nil {
			return err
		}

		if err := compareSchemas(ctx, tx, source.physical, target); err != nil {
			return err
		}

		var nonEmpty bool
		if err := tx.QueryRowContext(ctx,
			fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", quoteIdent(target))).Scan(&nonEmpty); err != nil {
			return fmt.Errorf("engine/sqlite: failed to inspect %s: %w", target, err)
		}
		if nonEmpty {
			return rkerrors.NewSchemaMismatch(fmt.Sprintf("archive target %s is not empty", target))
		}

		var moved int64
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM "+quoteIdent(source.physical)).Scan(&moved); err != nil {
			return fmt.Errorf("engine/sqlite: failed to count %s: %w", source.physical, err)
		}

		// Views are dropped first: RENAME rewrites references inside views.
		if err := dropRouting(ctx, tx, table); err != nil {
			return err
		}
		if archiveMeta != nil {
			if err := dropRouting(ctx, tx, archive); err != nil {
				return err
			}
		}

		tmp := physicalName(table) + "_swap"
		for _, rename := range [][2]string{{target, tmp}, {source.physical, target}, {tmp, source.physical}} {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s",
				quoteIdent(rename[0]), quoteIdent(rename[1]))); err != nil {
				return fmt.Errorf("engine/sqlite: rename %s to %s failed: %w", rename[0], rename[1], err)
			}
		}

		if err := createRouting(ctx, tx, meta, parts); err != nil {
			return err
		}
		if archiveMeta != nil {
			aparts, err := loadPartitions(ctx, tx, archive)
			if err != nil {
				return err
			}
			if err := createRouting(ctx, tx, *archiveMeta, aparts); err != nil {
				return err
			}
		}

		result = &engine.SwitchResult{
			Table:        table,
			ArchiveTable: archive,
			Partition:    srcRange,
			RowsMoved:    moved,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

// resolveArchiveTarget returns the physical table receiving the partition.
// For a partitioned archive it also returns the archive's catalog entry so
// the caller can rebuild its routing.
func resolveArchiveTarget(ctx context.Context, tx *sql.Tx, archive string, ordinal int, srcBoundaries []types.Boundary) (string, *tableMeta, error) {
	ameta, err := loadMeta(ctx, tx, archive)
	if err == nil {
		aparts, err := loadPartitions(ctx, tx, archive)
		if err != nil {
			return "", nil, err
		}
		aboundaries, err := boundariesOf(aparts)
		if err != nil {
			return "", nil, err
		}
		want, _ := partition.RangeAt(srcBoundaries, ordinal)
		got, ok := partition.RangeAt(aboundaries, ordinal)
		if !ok || !partition.SameBounds(want, got) {
			return "", nil, rkerrors.NewSchemaMismatch(fmt.Sprintf(
				"archive %s partition %d is not aligned with %s", archive, ordinal, want))
		}
		return aparts[ordinal-1].physical, &ameta, nil
	}
	if !rkerrors.IsNotFound(err) {
		return "", nil, err
	}

	kind, exists, err := objectExists(ctx, tx, archive)
	if err != nil {
		return "", nil, fmt.Errorf("engine/sqlite: failed to look up %s: %w", archive, err)
	}
	if !exists || kind != "table" {
		return "", nil, rkerrors.NewSchemaMismatch(fmt.Sprintf("archive table %s does not exist", archive))
	}

	var owned int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rk_partitions WHERE physical_name = ?`, archive).Scan(&owned); err != nil {
		return "", nil, fmt.Errorf("engine/sqlite: failed to look up %s: %w", archive, err)
	}
	if owned > 0 {
		return "", nil, rkerrors.NewSchemaMismatch(fmt.Sprintf("%s is a partition of another table", archive))
	}
	return archive, nil, nil
}

type columnShape struct {
	name    string
	typ     string
	notNull bool
	dflt    string
	pk      int
}

// compareSchemas requires identical columns (order, type, nullability,
// default, primary-key position) and identical index shape.
func compareSchemas(ctx context.Context, q querier, source, target string) error {
	a, err := tableShape(ctx, q, source)
	if err != nil {
		return err
	}
	b, err := tableShape(ctx, q, target)
	if err != nil {
		return err
	}
	if len(a) != len(b) {
		return rkerrors.NewSchemaMismatch(fmt.Sprintf("%s has %d columns, %s has %d", source, len(a), target, len(b)))
	}
	for i := range a {
		if a[i] != b[i] {
			return rkerrors.NewSchemaMismatch(fmt.Sprintf("column %d differs: %+v vs %+v", i+1, a[i], b[i]))
		}
	}

	ia, err := indexShape(ctx, q, source)
	if err != nil {
		return err
	}
	ib, err := indexShape(ctx, q, target)
	if err != nil {
		return err
	}
	if strings.Join(ia, ";") != strings.Join(ib, ";") {
		return rkerrors.NewSchemaMismatch(fmt.Sprintf("index shape differs: [%s] vs [%s]",
			strings.Join(ia, "; "), strings.Join(ib, "; ")))
	}
	return nil
}

func tableShape(ctx context.Context, q querier, table string) ([]columnShape, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []columnShape
	for rows.Next() {
		var c columnShape
		var dflt sql.NullString
		if err := rows.Scan(&c.name, &c.typ, &c.notNull, &dflt, &c.pk); err != nil {
			return nil, err
		}
		c.name = strings.ToLower(c.name)
		c.typ = strings.ToUpper(c.typ)
		c.dflt = dflt.String
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// indexShape renders each index as unique|origin|columns, sorted.
func indexShape(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, "unique", origin FROM pragma_index_list(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: failed to read indexes of %s: %w", table, err)
	}
	type index struct {
		name   string
		unique bool
		origin string
	}
	var indexes []index
	for rows.Next() {
		var ix index
		if err := rows.Scan(&ix.name, &ix.unique, &ix.origin); err != nil {
			rows.Close()
			return nil, err
		}
		indexes = append(indexes, ix)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	shapes := make([]string, 0, len(indexes))
	for _, ix := range indexes {
		crows, err := q.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, ix.name)
		if err != nil {
			return nil, err
		}
		var cols []string
		for crows.Next() {
			var c sql.NullString
			if err := crows.Scan(&c); err != nil {
				crows.Close()
				return nil, err
			}
			cols = append(cols, strings.ToLower(c.String))
		}
		crows.Close()
		shapes = append(shapes, fmt.Sprintf("%t|%s|%s", ix.unique, ix.origin, strings.Join(cols, ",")))
	}
	sort.Strings(shapes)
	return shapes, nil
}
