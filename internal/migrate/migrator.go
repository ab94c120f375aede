// Package migrate copies a filtered subset of rows between tables in
// bounded, resumable batches and archives partitions by switching them out.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log"
	"time"

	"github.com/rangekeeper/rangekeeper/internal/cursor"
	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/lease"
	"github.com/rangekeeper/rangekeeper/internal/observability"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// Target is the part of a storage engine the migrator needs.
type Target interface {
	engine.BatchCopier
	engine.Switcher
}

// Config holds configuration for migration runs.
type Config struct {
	// BatchTimeout bounds a single batch transaction.
	BatchTimeout time.Duration `yaml:"batch_timeout" json:"batch_timeout"`

	// MaxAttempts is the number of tries for a batch that keeps failing
	// with transient errors (default: 5).
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`

	// RunLeaseTTL is how long a run lease survives a crashed holder.
	RunLeaseTTL time.Duration `yaml:"run_lease_ttl" json:"run_lease_ttl"`
}

// DefaultConfig returns the default migration configuration.
func DefaultConfig() Config {
	return Config{
		BatchTimeout:   30 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		RunLeaseTTL:    10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.RunLeaseTTL <= 0 {
		c.RunLeaseTTL = d.RunLeaseTTL
	}
	return c
}

// Migrator runs migration jobs against a storage engine and persists
// progress in a cursor store.
type Migrator struct {
	config  Config
	target  Target
	cursors cursor.Store
	locker  lease.Locker
	metrics *observability.MetricsCollector
	stats   *observability.ActivityStats
}

// NewMigrator creates a migrator.
func NewMigrator(target Target, cursors cursor.Store, config Config) *Migrator {
	return &Migrator{
		config:  config.withDefaults(),
		target:  target,
		cursors: cursors,
	}
}

// WithLocker makes Migrate hold a per-run lease so two processes never
// interleave batches of the same run.
func (m *Migrator) WithLocker(l lease.Locker) *Migrator {
	m.locker = l
	return m
}

// WithMetrics attaches a metrics collector.
func (m *Migrator) WithMetrics(mc *observability.MetricsCollector) *Migrator {
	m.metrics = mc
	return m
}

// WithStats attaches an activity tracker.
func (m *Migrator) WithStats(s *observability.ActivityStats) *Migrator {
	m.stats = s
	return m
}

// Migrate returns the lazy sequence of committed batches of job. Each
// iteration copies at most job.BatchSize rows and persists the cursor
// before yielding. The sequence ends after the first empty batch, after the
// first error (which is yielded), or when the consumer stops. Starting it
// again resumes from the stored cursor.
func (m *Migrator) Migrate(ctx context.Context, job types.MigrationJob) iter.Seq2[types.BatchResult, error] {
	return func(yield func(types.BatchResult, error) bool) {
		if err := checkJob(job); err != nil {
			yield(types.BatchResult{}, err)
			return
		}

		held, err := m.acquireRun(ctx, job.RunID)
		if err != nil {
			yield(types.BatchResult{}, err)
			return
		}
		defer held.Release()

		cur, err := m.loadCursor(ctx, job.RunID)
		if err != nil {
			yield(types.BatchResult{}, err)
			return
		}

		for {
			if err := ctx.Err(); err != nil {
				yield(types.BatchResult{}, cancelled(job, cur, err))
				return
			}
			res, next, err := m.step(ctx, job, cur, held)
			if err != nil {
				yield(res, err)
				return
			}
			if res.Done() {
				log.Printf("migrate: run %s complete at %s (%d batches, %d rows)",
					job.RunID, next, next.Batches, next.Rows)
				return
			}
			cur = next
			if !yield(res, nil) {
				return
			}
		}
	}
}

// Step runs exactly one batch of job. A result with zero rows means the run
// is complete.
func (m *Migrator) Step(ctx context.Context, job types.MigrationJob) (types.BatchResult, error) {
	if err := checkJob(job); err != nil {
		return types.BatchResult{}, err
	}
	held, err := m.acquireRun(ctx, job.RunID)
	if err != nil {
		return types.BatchResult{}, err
	}
	defer held.Release()

	cur, err := m.loadCursor(ctx, job.RunID)
	if err != nil {
		return types.BatchResult{}, err
	}
	res, _, err := m.step(ctx, job, cur, held)
	return res, err
}

// RunSummary reports a drained migration run.
type RunSummary struct {
	RunID     string                `json:"run_id"`
	Batches   int                   `json:"batches"`
	Rows      int64                 `json:"rows"`
	Cursor    types.MigrationCursor `json:"cursor"`
	Duration  time.Duration         `json:"duration"`
	SwitchOut *engine.SwitchResult  `json:"switch_out,omitempty"`
}

// Run drains Migrate and, when the job carries a switch-out plan, performs
// the switch after the last batch.
func (m *Migrator) Run(ctx context.Context, job types.MigrationJob) (*RunSummary, error) {
	start := time.Now()
	summary := &RunSummary{RunID: job.RunID}

	for res, err := range m.Migrate(ctx, job) {
		if err != nil {
			summary.Duration = time.Since(start)
			m.metrics.RecordRun(job.RunID, runStatus(err))
			return summary, err
		}
		summary.Batches++
		summary.Rows += res.Rows
	}

	cur, err := m.cursors.Load(ctx, job.RunID)
	if err != nil {
		return summary, err
	}
	summary.Cursor = cur
	summary.Duration = time.Since(start)
	m.metrics.RecordRun(job.RunID, "completed")

	if job.SwitchOut != nil {
		p := job.SwitchOut
		res, err := m.SwitchOut(ctx, p.Table, p.Ordinal, p.ArchiveTable)
		if err != nil {
			return summary, err
		}
		summary.SwitchOut = res
	}
	return summary, nil
}

func runStatus(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case rkerrors.IsFatalMigration(err):
		return "fatal"
	default:
		return "error"
	}
}

// step renews the run lease, copies one batch from cur and persists the
// advanced cursor. It returns the result, the cursor now stored and any
// error.
func (m *Migrator) step(ctx context.Context, job types.MigrationJob, cur types.MigrationCursor, held lease.Lease) (types.BatchResult, types.MigrationCursor, error) {
	start := time.Now()
	seq := cur.Batches + 1

	if err := held.Renew(ctx, m.config.RunLeaseTTL); err != nil {
		log.Printf("[WARN] migrate: run %s lost its lease before batch %d: %v", job.RunID, seq, err)
		return types.BatchResult{Sequence: seq}, cur, leaseLost(job, cur, err)
	}

	req := engine.BatchRequest{
		Source:      job.Source,
		Destination: job.Destination,
		KeyColumn:   job.KeyColumn,
		Columns:     job.Columns,
		Predicate:   job.Predicate,
		Limit:       job.BatchSize,
		After:       cur.LastKey,
		HasAfter:    cur.HasKey,
	}
	out, attempts, err := m.copyWithRetry(ctx, job.RunID, req)
	if err != nil {
		m.stats.Record(job.RunID, "batch", err)
		if ctx.Err() != nil {
			return types.BatchResult{Sequence: seq, Attempts: attempts}, cur, cancelled(job, cur, ctx.Err())
		}
		log.Printf("migrate: run %s batch %d failed after %d attempts: %v", job.RunID, seq, attempts, err)
		return types.BatchResult{Sequence: seq, Attempts: attempts}, cur, fatal(job, cur, attempts, err)
	}

	res := types.BatchResult{
		Sequence: seq,
		Rows:     out.Rows,
		FirstKey: out.FirstKey,
		LastKey:  out.LastKey,
		Attempts: attempts,
		Duration: time.Since(start),
	}
	next := cur.Advance(res)
	next.Completed = res.Done()

	if err := m.cursors.Save(ctx, next); err != nil {
		// The batch is committed; the next attempt re-reads from cur and the
		// duplicate check skips what was copied.
		log.Printf("migrate: run %s failed to save cursor %s: %v", job.RunID, next, err)
		return res, cur, fatal(job, cur, attempts, err)
	}

	if !res.Done() {
		m.metrics.RecordBatch(job.RunID, res.Rows, attempts-1, res.Duration)
		m.stats.Record(job.RunID, "batch", nil)
		log.Printf("migrate: run %s batch %d copied %d rows (keys %d..%d, %d attempts)",
			job.RunID, seq, res.Rows, res.FirstKey, res.LastKey, attempts)
	}
	return res, next, nil
}

func (m *Migrator) loadCursor(ctx context.Context, runID string) (types.MigrationCursor, error) {
	cur, err := m.cursors.Load(ctx, runID)
	if rkerrors.GetCode(err) == rkerrors.CodeCursorNotFound {
		return types.MigrationCursor{RunID: runID}, nil
	}
	if err != nil {
		return types.MigrationCursor{}, fmt.Errorf("migrate: failed to load cursor for %s: %w", runID, err)
	}
	return cur, nil
}

// unleased stands in for the run lease when no locker is configured.
type unleased struct{}

func (unleased) Renew(context.Context, time.Duration) error { return nil }
func (unleased) Release() {}

func (m *Migrator) acquireRun(ctx context.Context, runID string) (lease.Lease, error) {
	if m.locker == nil {
		return unleased{}, nil
	}
	held, ok, err := m.locker.TryAcquire(ctx, lease.RunKey(runID), m.config.RunLeaseTTL)
	if err != nil {
		return nil, rkerrors.NewInternalError("failed to acquire run lease", err)
	}
	if !ok {
		return nil, rkerrors.NewConflict(rkerrors.CodeLeaseHeld,
			fmt.Sprintf("run %s is already in progress", runID), nil)
	}
	return held, nil
}

func checkJob(job types.MigrationJob) error {
	if err := job.Validate(); err != nil {
		return rkerrors.Wrap(rkerrors.ErrCategoryValidation, rkerrors.CodeInvalidJob, "invalid migration job", err)
	}
	for _, name := range append([]string{job.Source, job.Destination, job.KeyColumn}, job.Columns...) {
		if err := engine.CheckIdentifier("identifier", name); err != nil {
			return err
		}
	}
	return nil
}

func fatal(job types.MigrationJob, last types.MigrationCursor, attempts int, cause error) error {
	return rkerrors.NewFatalMigration(
		fmt.Sprintf("run %s stopped at %s", job.RunID, last), cause).
		WithDetails(map[string]interface{}{
			rkerrors.DetailLastCursor: last,
			rkerrors.DetailAttempts:   attempts,
		})
}

func leaseLost(job types.MigrationJob, last types.MigrationCursor, cause error) error {
	return rkerrors.NewConflict(rkerrors.CodeLeaseHeld,
		fmt.Sprintf("run %s lost its lease at %s", job.RunID, last), cause).
		WithDetails(map[string]interface{}{
			rkerrors.DetailLastCursor: last,
		})
}

func cancelled(job types.MigrationJob, last types.MigrationCursor, cause error) error {
	return fmt.Errorf("migrate: run %s interrupted at %s: %w", job.RunID, last, cause)
}
