package migrate

import (
	"context"
	"log"

	"github.com/rangekeeper/rangekeeper/internal/engine"
)

// SwitchOut moves partition ordinal of table into archive without copying
// rows. The engine checks that archive is empty and shaped like table and
// fails with ARCHIVE:SCHEMA_MISMATCH otherwise, leaving both tables as they
// were.
func (m *Migrator) SwitchOut(ctx context.Context, table string, ordinal int, archive string) (*engine.SwitchResult, error) {
	res, err := m.target.SwitchOut(ctx, table, ordinal, archive)
	if err != nil {
		log.Printf("migrate: switch-out of %s partition %d into %s failed: %v", table, ordinal, archive, err)
		m.metrics.RecordSwitchOut(table, "error")
		m.stats.Record(table, "switch_out", err)
		return nil, err
	}

	log.Printf("migrate: switched %s partition %s into %s (%d rows, %v)",
		table, res.Partition, archive, res.RowsMoved, res.Duration)
	m.metrics.RecordSwitchOut(table, "ok")
	m.stats.Record(table, "switch_out", nil)
	return res, nil
}
