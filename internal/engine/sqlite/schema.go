// Package sqlite implements the storage engine on SQLite. SQLite has no
// native partitioning, so a partitioned table is emulated: each partition is
// a physical table, the bounds live in a catalog, and the logical table name
// is a UNION ALL view with an INSTEAD OF INSERT trigger that routes rows to
// the partition owning their partition-column value.
package sqlite

// CreateTablesCatalogSQL records every partitioned table.
const CreateTablesCatalogSQL = `
CREATE TABLE IF NOT EXISTS rk_tables (
    table_name TEXT PRIMARY KEY,
    key_column TEXT NOT NULL,
    partition_column TEXT NOT NULL,
    columns_json TEXT NOT NULL,
    created_at INTEGER NOT NULL
)`

// CreatePartitionsCatalogSQL records the physical table and bounds of each
// partition. A NULL lower_bound is open below, a NULL upper_bound open above.
// Bounds are YYYY-MM-DD text, which sorts chronologically.
const CreatePartitionsCatalogSQL = `
CREATE TABLE IF NOT EXISTS rk_partitions (
    table_name TEXT NOT NULL,
    physical_name TEXT NOT NULL UNIQUE,
    lower_bound TEXT,
    upper_bound TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (table_name, physical_name),
    FOREIGN KEY (table_name) REFERENCES rk_tables(table_name)
)`

// CreatePartitionsIndexesSQL creates indexes used by boundary lookups.
var CreatePartitionsIndexesSQL = []string{
	// Ordered scan of ranges per table
	`CREATE INDEX IF NOT EXISTS idx_rk_partitions_lower ON rk_partitions(table_name, lower_bound)`,

	// Boundary existence checks
	`CREATE INDEX IF NOT EXISTS idx_rk_partitions_upper ON rk_partitions(table_name, upper_bound)
		WHERE upper_bound IS NOT NULL`,
}

// AllSchemaSQL returns all SQL statements needed to initialize the catalog.
func AllSchemaSQL() []string {
	statements := []string{
		CreateTablesCatalogSQL,
		CreatePartitionsCatalogSQL,
	}
	statements = append(statements, CreatePartitionsIndexesSQL...)
	return statements
}
