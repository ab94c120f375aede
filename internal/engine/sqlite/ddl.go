package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rangekeeper/rangekeeper/internal/engine"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

func checkIdent(kind, name string) error { return engine.CheckIdentifier(kind, name) }

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteAll(names []string, prefix string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = prefix + quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// physicalName builds a unique physical table name for a partition.
func physicalName(table string) string {
	return fmt.Sprintf("%s__p_%s", table, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func routeTriggerName(table string) string { return table + "__route" }

// createTableSQL renders a CREATE TABLE statement for name with def's columns.
func createTableSQL(name string, def types.TableDef) string {
	cols := make([]string, 0, len(def.Columns))
	for _, c := range def.Columns {
		col := quoteIdent(c.Name) + " " + c.Type
		switch {
		case strings.EqualFold(c.Name, def.KeyColumn):
			col += " NOT NULL PRIMARY KEY"
		case !c.Nullable:
			col += " NOT NULL"
		}
		cols = append(cols, col)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", quoteIdent(name), strings.Join(cols, ",\n    "))
}

// createViewSQL renders the logical view over all partitions.
func createViewSQL(table string, parts []partitionRow) string {
	selects := make([]string, len(parts))
	for i, p := range parts {
		selects[i] = "SELECT * FROM " + quoteIdent(p.physical)
	}
	return fmt.Sprintf("CREATE VIEW %s AS\n%s", quoteIdent(table), strings.Join(selects, "\nUNION ALL\n"))
}

// createRouteTriggerSQL renders the INSTEAD OF INSERT trigger that sends each
// row to the partition whose [lower, upper) range holds its partition value.
func createRouteTriggerSQL(meta tableMeta, parts []partitionRow) string {
	pcol := "NEW." + quoteIdent(meta.partitionColumn)
	cols := quoteAll(meta.columns, "")
	values := quoteAll(meta.columns, "NEW.")

	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TRIGGER %s INSTEAD OF INSERT ON %s\nBEGIN\n",
		quoteIdent(routeTriggerName(meta.name)), quoteIdent(meta.name))
	fmt.Fprintf(&sb, "    SELECT RAISE(ABORT, 'partition column %s is NULL') WHERE %s IS NULL;\n",
		meta.partitionColumn, pcol)
	for _, p := range parts {
		var conds []string
		if p.lower != "" {
			conds = append(conds, fmt.Sprintf("%s >= %s", pcol, quoteLiteral(p.lower)))
		}
		if p.upper != "" {
			conds = append(conds, fmt.Sprintf("%s < %s", pcol, quoteLiteral(p.upper)))
		}
		where := ""
		if len(conds) > 0 {
			where = " WHERE " + strings.Join(conds, " AND ")
		}
		fmt.Fprintf(&sb, "    INSERT INTO %s (%s) SELECT %s%s;\n", quoteIdent(p.physical), cols, values, where)
	}
	sb.WriteString("END")
	return sb.String()
}

// dropRouting removes the view and its trigger. Dropping a view drops its
// triggers as well.
func dropRouting(ctx context.Context, q querier, table string) error {
	if _, err := q.ExecContext(ctx, "DROP VIEW IF EXISTS "+quoteIdent(table)); err != nil {
		return fmt.Errorf("drop view %s: %w", table, err)
	}
	return nil
}

// createRouting (re)creates the view and routing trigger from the catalog rows.
func createRouting(ctx context.Context, q querier, meta tableMeta, parts []partitionRow) error {
	if _, err := q.ExecContext(ctx, createViewSQL(meta.name, parts)); err != nil {
		return fmt.Errorf("create view %s: %w", meta.name, err)
	}
	if _, err := q.ExecContext(ctx, createRouteTriggerSQL(meta, parts)); err != nil {
		return fmt.Errorf("create routing trigger %s: %w", meta.name, err)
	}
	return nil
}
