package types

import (
	"fmt"
	"time"
)

// FilterPredicate is a caller-supplied row condition evaluated by the source
// engine. SQL is embedded verbatim inside parentheses and never inspected.
// Placeholders use the engine's syntax: ? on SQLite, $1..$n on PostgreSQL.
type FilterPredicate struct {
	SQL  string `json:"sql" yaml:"sql"`
	Args []any  `json:"args,omitempty" yaml:"args,omitempty"`
}

// IsEmpty reports whether the predicate matches every row.
func (p FilterPredicate) IsEmpty() bool { return p.SQL == "" }

// MigrationCursor tracks the last key successfully copied by a migration run.
type MigrationCursor struct {
	RunID string `json:"run_id"`

	// LastKey is only meaningful when HasKey is true.
	LastKey int64 `json:"last_key"`
	HasKey  bool  `json:"has_key"`

	Batches   int64     `json:"batches"`
	Rows      int64     `json:"rows"`
	Completed bool      `json:"completed"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Advance returns a copy of the cursor moved past a committed batch.
func (c MigrationCursor) Advance(b BatchResult) MigrationCursor {
	next := c
	if b.Rows > 0 {
		next.LastKey = b.LastKey
		next.HasKey = true
		next.Batches++
		next.Rows += b.Rows
	}
	next.UpdatedAt = time.Now().UTC()
	return next
}

// Regresses reports whether moving from c to next would move the cursor backwards.
func (c MigrationCursor) Regresses(next MigrationCursor) bool {
	if !c.HasKey {
		return false
	}
	if !next.HasKey {
		return true
	}
	return next.LastKey < c.LastKey || next.Rows < c.Rows
}

// String renders the cursor position.
func (c MigrationCursor) String() string {
	if !c.HasKey {
		return fmt.Sprintf("%s@start", c.RunID)
	}
	return fmt.Sprintf("%s@%d", c.RunID, c.LastKey)
}

// SwitchOutPlan describes an archival switch performed after a migration
// run completes.
type SwitchOutPlan struct {
	Table        string `json:"table" yaml:"table"`
	Ordinal      int    `json:"ordinal" yaml:"ordinal"`
	ArchiveTable string `json:"archive_table" yaml:"archive_table"`
}

// MigrationJob describes one subset-migration run.
type MigrationJob struct {
	RunID       string `json:"run_id" yaml:"run_id"`
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination" yaml:"destination"`

	// KeyColumn is the stable, ordered integer key used for duplicate
	// exclusion and cursor tracking.
	KeyColumn string `json:"key_column" yaml:"key_column"`

	// Columns to copy. Empty copies every column of the destination.
	Columns []string `json:"columns,omitempty" yaml:"columns,omitempty"`

	Predicate FilterPredicate `json:"predicate" yaml:"predicate"`
	BatchSize int             `json:"batch_size" yaml:"batch_size"`

	SwitchOut *SwitchOutPlan `json:"switch_out,omitempty" yaml:"switch_out,omitempty"`
}

// Validate checks the job for missing fields.
func (j MigrationJob) Validate() error {
	switch {
	case j.RunID == "":
		return fmt.Errorf("types: migration job requires run_id")
	case j.Source == "":
		return fmt.Errorf("types: migration job %s requires source", j.RunID)
	case j.Destination == "":
		return fmt.Errorf("types: migration job %s requires destination", j.RunID)
	case j.Source == j.Destination:
		return fmt.Errorf("types: migration job %s copies %s onto itself", j.RunID, j.Source)
	case j.KeyColumn == "":
		return fmt.Errorf("types: migration job %s requires key_column", j.RunID)
	case j.BatchSize <= 0:
		return fmt.Errorf("types: migration job %s batch_size must be positive, got %d", j.RunID, j.BatchSize)
	}
	return nil
}

// BatchResult reports one committed batch.
type BatchResult struct {
	Sequence int64         `json:"sequence"`
	Rows     int64         `json:"rows"`
	FirstKey int64         `json:"first_key"`
	LastKey  int64         `json:"last_key"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Done reports whether the batch signals the end of a run.
func (b BatchResult) Done() bool { return b.Rows == 0 }
