// Package scheduler runs boundary maintenance and migration jobs on a
// fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/lifecycle"
	"github.com/rangekeeper/rangekeeper/internal/migrate"
	"github.com/rangekeeper/rangekeeper/internal/observability"
	"github.com/rangekeeper/rangekeeper/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Advancer keeps a table's boundaries ahead of now.
type Advancer interface {
	EnsureBoundaryAhead(ctx context.Context, table string, lead types.Interval) (*lifecycle.AdvanceResult, error)
}

// Runner drives a migration job to completion.
type Runner interface {
	Run(ctx context.Context, job types.MigrationJob) (*migrate.RunSummary, error)
}

// TableSchedule is a managed partitioned table.
type TableSchedule struct {
	Name string         `json:"name" yaml:"name"`
	Lead types.Interval `json:"lead" yaml:"lead"`
}

// JobSchedule is a migration job and how often it is re-run.
type JobSchedule struct {
	Job     types.MigrationJob `json:"job" yaml:"job"`
	Every   time.Duration      `json:"every" yaml:"every"`
	Enabled bool               `json:"enabled" yaml:"enabled"`
}

// Config holds configuration for the scheduler daemon.
type Config struct {
	// CheckInterval is how often the daemon runs a cycle.
	CheckInterval time.Duration

	Tables []TableSchedule
	Jobs   []JobSchedule

	Backpressure BackpressureConfig
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		CheckInterval: time.Hour,
		Backpressure:  DefaultBackpressureConfig(),
	}
}

// Daemon invokes the controller for every managed table and runs due
// migration jobs each cycle. Failures are logged and the loop continues.
type Daemon struct {
	config   Config
	advancer Advancer
	runner   Runner
	bp       *Backpressure
	stats    *observability.ActivityStats
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	inflight map[string]bool
	lastRun  map[string]time.Time
}

// NewDaemon creates a scheduler daemon. runner may be nil when no
// migration jobs are configured.
func NewDaemon(config Config, advancer Advancer, runner Runner) *Daemon {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultConfig().CheckInterval
	}
	return &Daemon{
		config:   config,
		advancer: advancer,
		runner:   runner,
		bp:       NewBackpressure(config.Backpressure),
		now:      time.Now,
		inflight: make(map[string]bool),
		lastRun:  make(map[string]time.Time),
	}
}

// WithStats attaches the activity tracker pruned every cycle.
func (d *Daemon) WithStats(s *observability.ActivityStats) *Daemon {
	d.stats = s
	return d
}

// WithClock replaces the wall clock used for job cadences.
func (d *Daemon) WithClock(now func() time.Time) *Daemon {
	d.now = now
	return d
}

// Start begins the scheduling loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("scheduler: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	done := make(chan struct{})
	d.done = done
	d.mu.Unlock()

	go d.run(ctx, done)
	return nil
}

// Stop cancels the loop and waits for the current cycle to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel, done := d.cancel, d.done
	d.running = false
	d.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Running reports whether the loop is active.
func (d *Daemon) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Daemon) run(ctx context.Context, done chan struct{}) {
	defer func() {
		d.mu.Lock()
		// A later Start owns the flag once it has replaced done.
		if d.done == done {
			d.running = false
		}
		d.mu.Unlock()
		close(done)
	}()

	d.RunOnce(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single cycle: advance every table, then run due jobs.
func (d *Daemon) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	for _, t := range d.config.Tables {
		if ctx.Err() != nil {
			return
		}
		if _, err := d.TriggerAdvance(ctx, t.Name, t.Lead); err != nil {
			if rkerrors.IsConflict(err) {
				log.Printf("scheduler: [WARN] %s skipped this cycle: %v", t.Name, err)
			} else {
				log.Printf("scheduler: failed to advance %s: %v", t.Name, err)
			}
		}
	}

	d.runDueJobs(ctx)

	if d.stats != nil {
		d.stats.Prune()
	}
}

// TriggerAdvance runs the controller for one table.
func (d *Daemon) TriggerAdvance(ctx context.Context, table string, lead types.Interval) (*lifecycle.AdvanceResult, error) {
	return d.advancer.EnsureBoundaryAhead(ctx, table, lead)
}

func (d *Daemon) runDueJobs(ctx context.Context) {
	due := d.dueJobs()
	if len(due) == 0 {
		return
	}

	d.bp.Adjust()
	if d.bp.ShouldPause(len(due)) {
		log.Printf("scheduler: [WARN] pausing %d due runs, failure rate %.0f%%", len(due), d.bp.FailureRate()*100)
		return
	}

	var g errgroup.Group
	g.SetLimit(d.bp.Limit())
	for _, js := range due {
		job := js.Job
		if !d.claim(job.RunID) {
			continue
		}
		g.Go(func() error {
			defer d.finish(job.RunID)
			if _, err := d.runJob(ctx, job); err != nil {
				log.Printf("scheduler: run %s failed: %v", job.RunID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// TriggerMigration runs the configured job with runID now, regardless of
// its cadence. A run already in flight fails with LIFECYCLE:LEASE_HELD.
func (d *Daemon) TriggerMigration(ctx context.Context, runID string) (*migrate.RunSummary, error) {
	job, ok := d.Job(runID)
	if !ok {
		return nil, rkerrors.New(rkerrors.ErrCategoryMigration, rkerrors.CodeJobNotFound,
			fmt.Sprintf("no migration job %s is configured", runID))
	}
	if !d.claim(runID) {
		return nil, rkerrors.NewConflict(rkerrors.CodeLeaseHeld,
			fmt.Sprintf("run %s is already in progress", runID), nil)
	}
	defer d.finish(runID)
	return d.runJob(ctx, job)
}

// Job returns the configured job with runID.
func (d *Daemon) Job(runID string) (types.MigrationJob, bool) {
	for _, js := range d.config.Jobs {
		if js.Job.RunID == runID {
			return js.Job, true
		}
	}
	return types.MigrationJob{}, false
}

// Tables returns the managed tables.
func (d *Daemon) Tables() []TableSchedule {
	return append([]TableSchedule(nil), d.config.Tables...)
}

func (d *Daemon) runJob(ctx context.Context, job types.MigrationJob) (*migrate.RunSummary, error) {
	if d.runner == nil {
		return nil, errors.New("scheduler: no migration runner configured")
	}
	summary, err := d.runner.Run(ctx, job)
	if ctx.Err() == nil {
		d.bp.Record(err == nil)
	}
	if err == nil {
		log.Printf("scheduler: run %s finished: %d batches, %d rows in %v",
			job.RunID, summary.Batches, summary.Rows, summary.Duration)
	}
	return summary, err
}

// dueJobs returns enabled jobs whose cadence has elapsed, in run ID order.
func (d *Daemon) dueJobs() []JobSchedule {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var due []JobSchedule
	for _, js := range d.config.Jobs {
		if !js.Enabled || d.inflight[js.Job.RunID] {
			continue
		}
		last, ok := d.lastRun[js.Job.RunID]
		if ok && now.Sub(last) < js.Every {
			continue
		}
		due = append(due, js)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Job.RunID < due[j].Job.RunID })
	return due
}

func (d *Daemon) claim(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[runID] {
		return false
	}
	d.inflight[runID] = true
	return true
}

func (d *Daemon) finish(runID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, runID)
	d.lastRun[runID] = d.now()
}

// Status is a snapshot of the scheduler for the admin API.
type Status struct {
	Running      bool                 `json:"running"`
	InFlight     []string             `json:"in_flight"`
	LastRuns     map[string]time.Time `json:"last_runs"`
	Backpressure BackpressureStats    `json:"backpressure"`
}

// Status returns the current scheduler state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	s := Status{
		Running:  d.running,
		InFlight: make([]string, 0, len(d.inflight)),
		LastRuns: make(map[string]time.Time, len(d.lastRun)),
	}
	for id := range d.inflight {
		s.InFlight = append(s.InFlight, id)
	}
	for id, t := range d.lastRun {
		s.LastRuns[id] = t
	}
	d.mu.Unlock()

	sort.Strings(s.InFlight)
	s.Backpressure = d.bp.Stats()
	return s
}
