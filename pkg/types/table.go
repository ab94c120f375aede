package types

import (
	"fmt"
	"strings"
)

// ColumnDef defines a single column of a table.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name" yaml:"name"`

	// Type is the SQL type, e.g. INTEGER, TEXT, DATE
	Type string `json:"type" yaml:"type"`

	// Nullable indicates whether the column can contain NULL values
	Nullable bool `json:"nullable" yaml:"nullable"`
}

// TableDef describes a range-partitioned table.
type TableDef struct {
	Name    string      `json:"name" yaml:"name"`
	Columns []ColumnDef `json:"columns" yaml:"columns"`

	// KeyColumn is the integer primary key.
	KeyColumn string `json:"key_column" yaml:"key_column"`

	// PartitionColumn holds dates compared against boundaries.
	PartitionColumn string `json:"partition_column" yaml:"partition_column"`
}

// Validate checks that the key and partition columns are declared.
func (d TableDef) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("types: table definition requires a name")
	}
	if len(d.Columns) == 0 {
		return fmt.Errorf("types: table %s has no columns", d.Name)
	}
	if _, ok := d.Column(d.KeyColumn); !ok {
		return fmt.Errorf("types: table %s key column %q is not declared", d.Name, d.KeyColumn)
	}
	if _, ok := d.Column(d.PartitionColumn); !ok {
		return fmt.Errorf("types: table %s partition column %q is not declared", d.Name, d.PartitionColumn)
	}
	seen := make(map[string]bool, len(d.Columns))
	for _, c := range d.Columns {
		lc := strings.ToLower(c.Name)
		if seen[lc] {
			return fmt.Errorf("types: table %s declares column %q twice", d.Name, c.Name)
		}
		seen[lc] = true
	}
	return nil
}

// Column looks up a column by case-insensitive name.
func (d TableDef) Column(name string) (ColumnDef, bool) {
	for _, c := range d.Columns {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// ColumnNames returns the column names in declaration order.
func (d TableDef) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}
