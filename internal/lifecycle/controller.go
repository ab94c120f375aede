// Package lifecycle keeps the boundary list of partitioned tables ahead of
// incoming data.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rangekeeper/rangekeeper/internal/engine"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/lease"
	"github.com/rangekeeper/rangekeeper/internal/observability"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// Store is the part of a storage engine the controller needs.
type Store interface {
	partition.Registry
	engine.Splitter
}

// Config holds configuration for the controller.
type Config struct {
	// LeaseTTL bounds how long a crashed controller can block a table.
	LeaseTTL time.Duration
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{LeaseTTL: 2 * time.Minute}
}

// Controller adds boundaries so that the current period is always covered.
type Controller struct {
	config  Config
	store   Store
	locker  lease.Locker
	now     func() time.Time
	metrics *observability.MetricsCollector
	stats   *observability.ActivityStats
}

// NewController creates a controller. A nil locker uses an in-process lock,
// which only serializes callers sharing this process.
func NewController(store Store, locker lease.Locker, config Config) *Controller {
	if locker == nil {
		locker = lease.NewInMemoryLock()
	}
	if config.LeaseTTL <= 0 {
		config.LeaseTTL = DefaultConfig().LeaseTTL
	}
	return &Controller{
		config: config,
		store:  store,
		locker: locker,
		now:    time.Now,
	}
}

// WithClock replaces the wall clock.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// WithMetrics attaches a metrics collector.
func (c *Controller) WithMetrics(m *observability.MetricsCollector) *Controller {
	c.metrics = m
	return c
}

// WithStats attaches an activity tracker.
func (c *Controller) WithStats(s *observability.ActivityStats) *Controller {
	c.stats = s
	return c
}

// AdvancePlan is the set of splits EnsureBoundaryAhead would perform.
type AdvancePlan struct {
	Table   string           `json:"table"`
	Lead    types.Interval   `json:"lead"`
	Now     time.Time        `json:"now"`
	Current []types.Boundary `json:"current"`
	Anchor  types.Boundary   `json:"anchor"`
	Target  types.Boundary   `json:"target"`
	Missing []types.Boundary `json:"missing"`
}

// NoOp reports whether the table is already far enough ahead.
func (p *AdvancePlan) NoOp() bool { return len(p.Missing) == 0 }

// AdvanceResult reports what EnsureBoundaryAhead did.
type AdvanceResult struct {
	Table  string           `json:"table"`
	Before []types.Boundary `json:"before"`
	After  []types.Boundary `json:"after"`
	Added  []types.Boundary `json:"added"`
	NoOp   bool             `json:"noop"`
}

// Plan computes the missing boundaries for table without changing anything.
func (c *Controller) Plan(ctx context.Context, table string, lead types.Interval) (*AdvancePlan, error) {
	if err := checkLead(lead); err != nil {
		return nil, err
	}
	current, err := c.store.ListBoundaries(ctx, table)
	if err != nil {
		return nil, err
	}
	return planFor(table, lead, current, c.now())
}

// planFor anchors the grid at the largest boundary and lists every grid
// point from the one after it up to the first point after now.
func planFor(table string, lead types.Interval, current []types.Boundary, now time.Time) (*AdvancePlan, error) {
	anchor, ok := partition.MaxBoundary(current)
	if !ok {
		return nil, rkerrors.NewNotFound(rkerrors.CodeNoBoundaries,
			fmt.Sprintf("table %s has no boundaries to anchor on", table)).
			WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
	}

	target, steps, err := partition.NextAfter(anchor, lead, now)
	if errors.Is(err, partition.ErrOutOfRange) {
		return nil, rkerrors.NewValidationError(rkerrors.CodeBoundaryOutOfRange, err.Error()).
			WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
	}
	if err != nil {
		return nil, rkerrors.NewValidationError(rkerrors.CodeInvalidInterval, err.Error())
	}

	return &AdvancePlan{
		Table:   table,
		Lead:    lead,
		Now:     now.UTC(),
		Current: current,
		Anchor:  anchor,
		Target:  target,
		Missing: partition.GridBetween(anchor, lead, steps),
	}, nil
}

func checkLead(lead types.Interval) error {
	if !lead.Positive() {
		return rkerrors.NewValidationError(rkerrors.CodeInvalidInterval,
			fmt.Sprintf("lead interval %s must be positive", lead))
	}
	return nil
}

// EnsureBoundaryAhead guarantees a boundary strictly after the current
// time on the grid anchored at the table's largest boundary. Missing grid
// points are added in ascending order, one transactional split each.
//
// A held lease or a concurrent boundary change fails with a LIFECYCLE
// conflict and is not retried. Every failure carries the last boundary list
// known to be committed.
func (c *Controller) EnsureBoundaryAhead(ctx context.Context, table string, lead types.Interval) (*AdvanceResult, error) {
	return c.advance(ctx, table, lead, false)
}

// EnsureBoundaryAheadWait is EnsureBoundaryAhead but waits for a held table
// lease instead of failing, until ctx is done.
func (c *Controller) EnsureBoundaryAheadWait(ctx context.Context, table string, lead types.Interval) (*AdvanceResult, error) {
	return c.advance(ctx, table, lead, true)
}

func (c *Controller) advance(ctx context.Context, table string, lead types.Interval, wait bool) (*AdvanceResult, error) {
	res, err := c.ensure(ctx, table, lead, wait)

	outcome := "noop"
	switch {
	case err != nil:
		outcome = "error"
		if rkerrors.IsConflict(err) {
			c.metrics.RecordConflict(table, rkerrors.GetCode(err))
		}
	case !res.NoOp:
		outcome = "advanced"
	}
	added := 0
	if res != nil {
		added = len(res.Added)
		if top, ok := partition.MaxBoundary(res.After); ok {
			c.metrics.SetMaxBoundary(table, top.Time())
		}
	}
	c.metrics.RecordAdvance(table, outcome, added)
	c.stats.Record(table, "advance", err)
	return res, err
}

func (c *Controller) ensure(ctx context.Context, table string, lead types.Interval, wait bool) (*AdvanceResult, error) {
	if err := checkLead(lead); err != nil {
		return nil, err
	}

	held, acquired, err := c.acquire(ctx, table, wait)
	if err != nil {
		return nil, rkerrors.NewInternalError("failed to acquire table lease", err).
			WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
	}
	if !acquired {
		conflict := rkerrors.NewConflict(rkerrors.CodeLeaseHeld,
			fmt.Sprintf("another controller holds the lease for %s", table), nil).
			WithDetails(map[string]interface{}{rkerrors.DetailTable: table})
		if current, err := c.store.ListBoundaries(ctx, table); err == nil {
			conflict = conflict.WithDetails(map[string]interface{}{
				rkerrors.DetailBoundaries: partition.Strings(current),
			})
		}
		return nil, conflict
	}
	defer held.Release()

	current, err := c.store.ListBoundaries(ctx, table)
	if err != nil {
		return nil, err
	}

	plan, err := planFor(table, lead, current, c.now())
	if err != nil {
		return nil, withBoundaries(err, current)
	}

	res := &AdvanceResult{
		Table:  table,
		Before: current,
		After:  current,
		Added:  []types.Boundary{},
		NoOp:   plan.NoOp(),
	}
	if res.NoOp {
		return res, nil
	}

	committed := append([]types.Boundary(nil), current...)
	for _, b := range plan.Missing {
		if err := ctx.Err(); err != nil {
			res.After = committed
			return res, withBoundaries(err, committed)
		}
		if err := held.Renew(ctx, c.config.LeaseTTL); err != nil {
			log.Printf("[WARN] lifecycle: lost lease for %s before split at %s: %v", table, b, err)
			res.After = committed
			return res, withBoundaries(rkerrors.NewConflict(rkerrors.CodeLeaseHeld,
				fmt.Sprintf("lease for %s lost during boundary catch-up", table), err).
				WithDetails(map[string]interface{}{rkerrors.DetailTable: table}), committed)
		}
		expected := committed[len(committed)-1]
		if err := c.store.SplitBoundary(ctx, table, expected, b); err != nil {
			log.Printf("lifecycle: split of %s at %s failed: %v", table, b, err)
			res.After = committed
			return res, withBoundaries(err, committed)
		}
		committed = append(committed, b)
		res.Added = append(res.Added, b)
		log.Printf("lifecycle: %s split at %s", table, b)
	}

	res.After = committed
	log.Printf("lifecycle: %s advanced to %s (%d boundaries added, lead %s)",
		table, plan.Target, len(res.Added), lead)
	return res, nil
}

// acquire takes the table lease, blocking when wait is set.
func (c *Controller) acquire(ctx context.Context, table string, wait bool) (lease.Lease, bool, error) {
	key := lease.TableKey(table)
	if !wait {
		return c.locker.TryAcquire(ctx, key, c.config.LeaseTTL)
	}
	held, err := c.locker.Acquire(ctx, key, c.config.LeaseTTL)
	if err != nil {
		return nil, false, err
	}
	return held, true, nil
}

// withBoundaries attaches the committed boundary list to err.
func withBoundaries(err error, committed []types.Boundary) error {
	details := map[string]interface{}{rkerrors.DetailBoundaries: partition.Strings(committed)}
	var e *rkerrors.Error
	if errors.As(err, &e) {
		return e.WithDetails(details)
	}
	return rkerrors.NewInternalError("boundary maintenance failed", err).WithDetails(details)
}
