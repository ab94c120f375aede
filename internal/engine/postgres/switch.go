package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// SwitchOut exchanges partition ordinal of table with archive using
// DETACH/ATTACH, so rows never move. A plain archive table is renamed into
// the partition's place and the partition takes the archive's name; a
// partitioned archive exchanges children at the same ordinal.
func (e *Engine) SwitchOut(ctx context.Context, table string, ordinal int, archive string) (*engine.SwitchResult, error) {
	start := time.Now()
	if err := engine.CheckIdentifier("table", archive); err != nil {
		return nil, err
	}
	if archive == table {
		return nil, rkerrors.NewSchemaMismatch("archive table must differ from the source table")
	}

	var result *engine.SwitchResult
	err := e.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := partitionColumn(ctx, tx, table); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("LOCK TABLE %s IN ACCESS EXCLUSIVE MODE NOWAIT", ident(table))); err != nil {
			return err
		}
		bounds, err := loadBounds(ctx, tx, table)
		if err != nil {
			return err
		}
		if ordinal < 1 || ordinal > len(bounds) {
			return rkerrors.NewSchemaMismatch(fmt.Sprintf(
				"table %s has no partition %d (partitions 1..%d)", table, ordinal, len(bounds)))
		}
		source := bounds[ordinal-1]
		srcRange := types.PartitionRange{Ordinal: ordinal, Lower: source.lower, Upper: source.upper, Name: source.name}

		var archiveChild *partitionBound
		target := archive
		if _, err := partitionColumn(ctx, tx, archive); err == nil {
			abounds, err := loadBounds(ctx, tx, archive)
			if err != nil {
				return err
			}
			if ordinal > len(abounds) {
				return rkerrors.NewSchemaMismatch(fmt.Sprintf("archive %s has no partition %d", archive, ordinal))
			}
			ab := abounds[ordinal-1]
			got := types.PartitionRange{Lower: ab.lower, Upper: ab.upper}
			if !partition.SameBounds(srcRange, got) {
				return rkerrors.NewSchemaMismatch(fmt.Sprintf(
					"archive %s partition %d is not aligned with %s", archive, ordinal, srcRange))
			}
			archiveChild = &ab
			target = ab.name
		} else if !rkerrors.IsNotFound(err) {
			return err
		} else {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, ident(archive)).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return rkerrors.NewSchemaMismatch(fmt.Sprintf("archive table %s does not exist", archive))
			}
		}

		if err := compareSchemas(ctx, tx, source.name, target); err != nil {
			return err
		}
		var nonEmpty bool
		if err := tx.QueryRow(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s)", ident(target))).Scan(&nonEmpty); err != nil {
			return err
		}
		if nonEmpty {
			return rkerrors.NewSchemaMismatch(fmt.Sprintf("archive target %s is not empty", target))
		}
		var moved int64
		if err := tx.QueryRow(ctx, "SELECT count(*) FROM "+ident(source.name)).Scan(&moved); err != nil {
			return err
		}

		var stmts []string
		if archiveChild != nil {
			stmts = []string{
				fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", ident(table), ident(source.name)),
				fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", ident(archive), ident(target)),
				fmt.Sprintf("ALTER TABLE %s ATTACH PARTITION %s %s", ident(archive), ident(source.name), forValues(source.lower, source.upper)),
				fmt.Sprintf("ALTER TABLE %s ATTACH PARTITION %s %s", ident(table), ident(target), forValues(source.lower, source.upper)),
			}
		} else {
			tmp := source.name + "_swap"
			stmts = []string{
				fmt.Sprintf("ALTER TABLE %s DETACH PARTITION %s", ident(table), ident(source.name)),
				fmt.Sprintf("ALTER TABLE %s RENAME TO %s", ident(source.name), ident(tmp)),
				fmt.Sprintf("ALTER TABLE %s RENAME TO %s", ident(archive), ident(source.name)),
				fmt.Sprintf("ALTER TABLE %s RENAME TO %s", ident(tmp), ident(archive)),
				fmt.Sprintf("ALTER TABLE %s ATTACH PARTITION %s %s", ident(table), ident(source.name), forValues(source.lower, source.upper)),
			}
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("engine/postgres: switch %s #%d: %w", table, ordinal, err)
			}
		}

		result = &engine.SwitchResult{Table: table, ArchiveTable: archive, Partition: srcRange, RowsMoved: moved}
		return nil
	})
	if err != nil {
		return nil, lockConflict(err, table, "boundary change")
	}
	result.Duration = time.Since(start)
	return result, nil
}

// compareSchemas requires identical columns and index shape.
func compareSchemas(ctx context.Context, q querier, source, target string) error {
	a, err := columnShape(ctx, q, source)
	if err != nil {
		return err
	}
	b, err := columnShape(ctx, q, target)
	if err != nil {
		return err
	}
	if strings.Join(a, ";") != strings.Join(b, ";") {
		return rkerrors.NewSchemaMismatch(fmt.Sprintf("columns differ: [%s] vs [%s]",
			strings.Join(a, "; "), strings.Join(b, "; ")))
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

func columnShape(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT a.attname, format_type(a.atttypid, a.atttypmod), a.attnotnull,
		       coalesce(pg_get_expr(d.adbin, d.adrelid), '')
		FROM pg_attribute a
		LEFT JOIN pg_attrdef d ON d.adrelid = a.attrelid AND d.adnum = a.attnum
		WHERE a.attrelid = to_regclass($1) AND a.attnum > 0 AND NOT a.attisdropped
		ORDER BY a.attnum`, ident(table))
	if err != nil {
		return nil, fmt.Errorf("engine/postgres: failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name, typ, dflt string
		var notNull bool
		if err := rows.Scan(&name, &typ, &notNull, &dflt); err != nil {
			return nil, err
		}
		out = append(out, fmt.Sprintf("%s %s notnull=%t default=%s", name, typ, notNull, dflt))
	}
	return out, rows.Err()
}

// indexShape renders each index by uniqueness and column names, sorted.
func indexShape(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT i.indisunique, i.indisprimary,
		       (SELECT string_agg(a.attname, ',' ORDER BY k.n)
		        FROM unnest(i.indkey::int2[]) WITH ORDINALITY AS k(attnum, n)
		        JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = k.attnum)
		FROM pg_index i
		WHERE i.indrelid = to_regclass($1)
		ORDER BY 3, 1, 2`, ident(table))
	if err != nil {
		return nil, fmt.Errorf("engine/postgres: failed to read indexes of %s: %w", table, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var unique, primary bool
		var cols *string
		if err := rows.Scan(&unique, &primary, &cols); err != nil {
			return nil, err
		}
		c := ""
		if cols != nil {
			c = *cols
		}
		out = append(out, fmt.Sprintf("%t|%t|%s", unique, primary, c))
	}
	return out, rows.Err()
}
