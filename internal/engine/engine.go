// Package engine defines the storage engine collaborator: a relational
// store with range-partitioned tables, transactional batch inserts and a
// metadata-only partition switch.
package engine

import (
	"context"
	"fmt"
	"regexp"
	"time"

	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// Engine is implemented by the SQLite and PostgreSQL engines.
type Engine interface {
	partition.Registry
	Splitter
	Switcher
	BatchCopier
	TableScanner

	// CreatePartitionedTable creates a range-partitioned table with the
	// given initial boundaries.
	CreatePartitionedTable(ctx context.Context, def types.TableDef, boundaries []types.Boundary) error

	// CreateTable creates a plain table, typically an archive or migration target.
	CreateTable(ctx context.Context, def types.TableDef) error

	// Partitions returns the partition ranges of a table with row counts.
	Partitions(ctx context.Context, table string) ([]types.PartitionRange, error)

	// Name identifies the engine in logs and metrics.
	Name() string

	Close() error
}

// Splitter introduces new boundaries.
type Splitter interface {
	// SplitBoundary adds value as the new maximum boundary of table in one
	// transaction. expectedMax is the maximum the caller observed; if the
	// committed maximum differs the split fails with a LIFECYCLE conflict and
	// the table is left unchanged. Values not greater than the current
	// maximum are rejected with VALIDATION:BOUNDARY_NOT_ASCENDING.
	SplitBoundary(ctx context.Context, table string, expectedMax, value types.Boundary) error
}

// Switcher reassigns a whole partition's storage to another table.
type Switcher interface {
	// SwitchOut moves the rows of partition ordinal of table into archive
	// as a metadata-only operation. archive must be empty and share the
	// table's schema; a partitioned archive must have an aligned, empty
	// partition at the same ordinal. Violations fail with
	// ARCHIVE:SCHEMA_MISMATCH and leave both tables unchanged.
	SwitchOut(ctx context.Context, table string, ordinal int, archive string) (*SwitchResult, error)
}

// SwitchResult reports a completed switch.
type SwitchResult struct {
	Table        string
	ArchiveTable string
	Partition    types.PartitionRange
	RowsMoved    int64
	Duration     time.Duration
}

// BatchRequest describes one bounded copy step of a migration run.
type BatchRequest struct {
	Source      string
	Destination string
	KeyColumn   string
	Columns     []string
	Predicate   types.FilterPredicate
	Limit       int

	// After is the cursor position; only keys greater than it are copied.
	After    int64
	HasAfter bool
}

// BatchOutcome reports the rows inserted by one batch.
type BatchOutcome struct {
	Rows     int64
	FirstKey int64
	LastKey  int64
}

// BatchCopier copies filtered rows not yet present in the destination.
type BatchCopier interface {
	// CopyBatch copies up to req.Limit rows from source to destination in a
	// single transaction. Rows whose key already exists in the destination
	// are skipped. Driver errors worth retrying are returned as
	// MIGRATION:TRANSIENT errors.
	CopyBatch(ctx context.Context, req BatchRequest) (BatchOutcome, error)
}

// TableScanner streams every row of a table.
type TableScanner interface {
	ScanTable(ctx context.Context, table string, fn func(row map[string]any) error) (int64, error)
}

// ResolveColumns returns requested, or the destination's columns when empty.
func ResolveColumns(requested, destination []string) []string {
	if len(requested) > 0 {
		return requested
	}
	return destination
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// CheckIdentifier rejects table and column names that are not plain SQL
// identifiers. Every name handed to an engine ends up in generated DDL.
func CheckIdentifier(kind, name string) error {
	if !identPattern.MatchString(name) {
		return rkerrors.NewValidationError(rkerrors.CodeInvalidJob,
			fmt.Sprintf("invalid %s name %q", kind, name))
	}
	return nil
}
