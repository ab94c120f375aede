package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rangekeeper/rangekeeper/internal/engine/sqlite"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/lease"
	"github.com/rangekeeper/rangekeeper/internal/observability"
	"github.com/rangekeeper/rangekeeper/internal/partition"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

// memStore is an in-memory Store with the same compare-and-set contract as
// the engines.
type memStore struct {
	mu         sync.Mutex
	boundaries map[string][]types.Boundary
	splitCalls int

	// beforeSplit runs before each split is applied, outside the lock.
	beforeSplit func(table string)
}

func newMemStore() *memStore {
	return &memStore{boundaries: make(map[string][]types.Boundary)}
}

func (s *memStore) set(table string, b ...types.Boundary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundaries[table] = append([]types.Boundary(nil), b...)
}

func (s *memStore) ListBoundaries(_ context.Context, table string) ([]types.Boundary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boundaries[table]
	if !ok {
		return nil, rkerrors.NewNotFound(rkerrors.CodeTableNotPartitioned, "table "+table+" is not partitioned")
	}
	return append([]types.Boundary(nil), b...), nil
}

func (s *memStore) BoundaryExists(ctx context.Context, table string, value types.Boundary) (bool, error) {
	b, err := s.ListBoundaries(ctx, table)
	if err != nil {
		return false, err
	}
	return partition.Contains(b, value), nil
}

func (s *memStore) SplitBoundary(_ context.Context, table string, expectedMax, value types.Boundary) error {
	if s.beforeSplit != nil {
		s.beforeSplit(table)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.splitCalls++

	current := s.boundaries[table]
	top, ok := partition.MaxBoundary(current)
	if !ok || !top.Equal(expectedMax) {
		return rkerrors.NewConflict(rkerrors.CodeConcurrentSplit, "boundary list changed", nil)
	}
	if err := partition.ValidateNewBoundary(current, value); err != nil {
		return err
	}
	s.boundaries[table] = append(current, value)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var june2022 = time.Date(2022, 6, 1, 12, 0, 0, 0, time.UTC)

func yearly() []types.Boundary {
	return []types.Boundary{types.Date(2020, 12, 31), types.Date(2021, 12, 31)}
}

func TestEnsureBoundaryAhead_SQLiteScenario(t *testing.T) {
	ctx := context.Background()
	e, err := sqlite.Open(sqlite.DefaultOptions(filepath.Join(t.TempDir(), "rk.db")))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	defer e.Close()

	def := types.TableDef{
		Name: "events",
		Columns: []types.ColumnDef{
			{Name: "id", Type: "INTEGER"},
			{Name: "created_on", Type: "TEXT"},
		},
		KeyColumn:       "id",
		PartitionColumn: "created_on",
	}
	if err := e.CreatePartitionedTable(ctx, def, yearly()); err != nil {
		t.Fatalf("create table: %v", err)
	}

	c := NewController(e, lease.NewInMemoryLock(), DefaultConfig()).WithClock(fixedClock(june2022))

	res, err := c.EnsureBoundaryAhead(ctx, "events", types.Years(1))
	if err != nil {
		t.Fatalf("EnsureBoundaryAhead failed: %v", err)
	}
	if res.NoOp || len(res.Added) != 1 || res.Added[0].String() != "2022-12-31" {
		t.Fatalf("expected 2022-12-31 to be added, got %+v", res)
	}

	got, err := e.ListBoundaries(ctx, "events")
	if err != nil {
		t.Fatalf("ListBoundaries: %v", err)
	}
	want := []string{"2020-12-31", "2021-12-31", "2022-12-31"}
	if s := partition.Strings(got); len(s) != 3 || s[0] != want[0] || s[1] != want[1] || s[2] != want[2] {
		t.Errorf("boundaries = %v, want %v", s, want)
	}

	// Same day again: nothing to do.
	res, err = c.EnsureBoundaryAhead(ctx, "events", types.Years(1))
	if err != nil {
		t.Fatalf("second EnsureBoundaryAhead failed: %v", err)
	}
	if !res.NoOp || len(res.Added) != 0 {
		t.Errorf("second call should be a no-op, got %+v", res)
	}
	if after, _ := e.ListBoundaries(ctx, "events"); len(after) != 3 {
		t.Errorf("second call changed boundaries: %v", after)
	}
}

func TestEnsureBoundaryAhead_CatchUp(t *testing.T) {
	s := newMemStore()
	s.set("events", types.Date(2020, 12, 31))
	c := NewController(s, nil, DefaultConfig()).WithClock(fixedClock(june2022))

	res, err := c.EnsureBoundaryAhead(context.Background(), "events", types.Years(1))
	if err != nil {
		t.Fatalf("EnsureBoundaryAhead failed: %v", err)
	}
	got := partition.Strings(res.Added)
	if len(got) != 2 || got[0] != "2021-12-31" || got[1] != "2022-12-31" {
		t.Errorf("expected two catch-up splits, got %v", got)
	}
	if len(res.Before) != 1 || len(res.After) != 3 {
		t.Errorf("unexpected before/after: %v / %v", res.Before, res.After)
	}
}

func TestEnsureBoundaryAhead_AlreadyAhead(t *testing.T) {
	s := newMemStore()
	s.set("events", types.Date(2023, 12, 31))
	c := NewController(s, nil, DefaultConfig()).WithClock(fixedClock(june2022))

	res, err := c.EnsureBoundaryAhead(context.Background(), "events", types.Years(1))
	if err != nil {
		t.Fatalf("EnsureBoundaryAhead failed: %v", err)
	}
	if !res.NoOp || s.splitCalls != 0 {
		t.Errorf("expected no-op without splits, got %+v after %d splits", res, s.splitCalls)
	}
}

func TestEnsureBoundaryAhead_NoBoundaries(t *testing.T) {
	s := newMemStore()
	s.set("events")
	c := NewController(s, nil, DefaultConfig()).WithClock(fixedClock(june2022))

	_, err := c.EnsureBoundaryAhead(context.Background(), "events", types.Years(1))
	if rkerrors.GetCode(err) != rkerrors.CodeNoBoundaries || !rkerrors.IsNotFound(err) {
		t.Fatalf("expected NO_BOUNDARIES, got %v", err)
	}
}

func TestEnsureBoundaryAhead_NotPartitioned(t *testing.T) {
	c := NewController(newMemStore(), nil, DefaultConfig()).WithClock(fixedClock(june2022))

	_, err := c.EnsureBoundaryAhead(context.Background(), "missing", types.Years(1))
	if rkerrors.GetCode(err) != rkerrors.CodeTableNotPartitioned {
		t.Fatalf("expected TABLE_NOT_PARTITIONED, got %v", err)
	}
}

func TestEnsureBoundaryAhead_InvalidLead(t *testing.T) {
	s := newMemStore()
	s.set("events", yearly()...)
	c := NewController(s, nil, DefaultConfig())

	_, err := c.EnsureBoundaryAhead(context.Background(), "events", types.Interval{})
	if rkerrors.GetCode(err) != rkerrors.CodeInvalidInterval {
		t.Fatalf("expected INVALID_INTERVAL, got %v", err)
	}
}

func TestEnsureBoundaryAhead_LeaseHeld(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.set("events", yearly()...)
	locker := lease.NewInMemoryLock()

	held, ok, err := locker.TryAcquire(ctx, lease.TableKey("events"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire lease: %v, %v", ok, err)
	}
	defer held.Release()

	c := NewController(s, locker, DefaultConfig()).WithClock(fixedClock(june2022))
	_, err = c.EnsureBoundaryAhead(ctx, "events", types.Years(1))
	if !rkerrors.IsConflict(err) || rkerrors.GetCode(err) != rkerrors.CodeLeaseHeld {
		t.Fatalf("expected LEASE_HELD conflict, got %v", err)
	}
	if s.splitCalls != 0 {
		t.Errorf("no split should run while the lease is held, got %d", s.splitCalls)
	}
	b, ok := rkerrors.GetDetail(err, rkerrors.DetailBoundaries)
	if !ok || len(b.([]string)) != 2 {
		t.Errorf("expected last-known-good boundaries in details, got %v", b)
	}
}

func TestEnsureBoundaryAheadWait_BlocksOnHeldLease(t *testing.T) {
	ctx := context.Background()
	s := newMemStore()
	s.set("events", yearly()...)
	locker := lease.NewInMemoryLock()

	held, ok, err := locker.TryAcquire(ctx, lease.TableKey("events"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("pre-acquire lease: %v, %v", ok, err)
	}
	c := NewController(s, locker, DefaultConfig()).WithClock(fixedClock(june2022))

	done := make(chan error, 1)
	go func() {
		_, err := c.EnsureBoundaryAheadWait(ctx, "events", types.Years(1))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("returned while the lease was held: %v", err)
	case <-time.After(150 * time.Millisecond):
	}
	held.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("EnsureBoundaryAheadWait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("did not proceed after the lease was released")
	}
	got, _ := s.ListBoundaries(ctx, "events")
	if len(got) != 3 || got[2].String() != "2022-12-31" {
		t.Errorf("boundaries = %v", partition.Strings(got))
	}
}

func TestEnsureBoundaryAheadWait_ContextCancel(t *testing.T) {
	s := newMemStore()
	s.set("events", yearly()...)
	locker := lease.NewInMemoryLock()
	held, _, _ := locker.TryAcquire(context.Background(), lease.TableKey("events"), time.Minute)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c := NewController(s, locker, DefaultConfig()).WithClock(fixedClock(june2022))
	if _, err := c.EnsureBoundaryAheadWait(ctx, "events", types.Years(1)); err == nil {
		t.Fatal("expected error once the context expires")
	}
	if s.splitCalls != 0 {
		t.Errorf("no split should run without the lease, got %d", s.splitCalls)
	}
}

// expiringLocker hands out leases whose renewals fail after a number of
// calls.
type expiringLocker struct {
	lease.Locker
	renewals int
}

type expiringLease struct {
	lease.Lease
	left *int
}

func (l *expiringLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (lease.Lease, bool, error) {
	held, ok, err := l.Locker.TryAcquire(ctx, key, ttl)
	if !ok || err != nil {
		return held, ok, err
	}
	return &expiringLease{Lease: held, left: &l.renewals}, true, nil
}

func (l *expiringLease) Renew(ctx context.Context, ttl time.Duration) error {
	if *l.left <= 0 {
		return lease.ErrLeaseLost
	}
	*l.left--
	return l.Lease.Renew(ctx, ttl)
}

func TestEnsureBoundaryAhead_LeaseLostDuringCatchUp(t *testing.T) {
	s := newMemStore()
	s.set("events", types.Date(2018, 12, 31))
	locker := &expiringLocker{Locker: lease.NewInMemoryLock(), renewals: 2}
	c := NewController(s, locker, DefaultConfig()).WithClock(fixedClock(june2022))

	res, err := c.EnsureBoundaryAhead(context.Background(), "events", types.Years(1))
	if !rkerrors.IsConflict(err) || rkerrors.GetCode(err) != rkerrors.CodeLeaseHeld {
		t.Fatalf("expected LEASE_HELD conflict, got %v", err)
	}
	if got := partition.Strings(res.Added); len(got) != 2 || got[1] != "2020-12-31" {
		t.Errorf("expected two splits before the lease was lost, got %v", got)
	}
	if s.splitCalls != 2 {
		t.Errorf("split calls = %d, want 2", s.splitCalls)
	}
	b, _ := rkerrors.GetDetail(err, rkerrors.DetailBoundaries)
	if got := b.([]string); len(got) != 3 || got[2] != "2020-12-31" {
		t.Errorf("details should list committed boundaries, got %v", got)
	}
}

func TestEnsureBoundaryAhead_LeadPastYear9999(t *testing.T) {
	s := newMemStore()
	s.set("events", yearly()...)
	c := NewController(s, nil, DefaultConfig()).WithClock(fixedClock(june2022))

	for _, lead := range []types.Interval{types.Years(20000), types.Years(8000)} {
		_, err := c.EnsureBoundaryAhead(context.Background(), "events", lead)
		if rkerrors.GetCode(err) != rkerrors.CodeBoundaryOutOfRange {
			t.Fatalf("lead %s: expected BOUNDARY_OUT_OF_RANGE, got %v", lead, err)
		}
	}
	if s.splitCalls != 0 {
		t.Errorf("no split should run, got %d", s.splitCalls)
	}
	got, _ := s.ListBoundaries(context.Background(), "events")
	if s := partition.Strings(got); len(s) != 2 || s[1] != "2021-12-31" {
		t.Errorf("boundaries changed: %v", s)
	}

	if _, err := c.Plan(context.Background(), "events", types.Years(20000)); rkerrors.GetCode(err) != rkerrors.CodeBoundaryOutOfRange {
		t.Errorf("Plan: expected BOUNDARY_OUT_OF_RANGE, got %v", err)
	}
}

func TestEnsureBoundaryAhead_ConcurrentSplitNotRetried(t *testing.T) {
	s := newMemStore()
	s.set("events", types.Date(2020, 12, 31))
	s.beforeSplit = func(table string) {
		// Another writer slips in a boundary before the first split lands.
		s.mu.Lock()
		s.boundaries[table] = append(s.boundaries[table], types.Date(2021, 6, 30))
		s.mu.Unlock()
		s.beforeSplit = nil
	}

	m := observability.NewMetricsCollector(observability.DefaultMetricsConfig())
	c := NewController(s, nil, DefaultConfig()).WithClock(fixedClock(june2022)).WithMetrics(m)

	res, err := c.EnsureBoundaryAhead(context.Background(), "events", types.Years(1))
	if !rkerrors.IsConflict(err) || rkerrors.GetCode(err) != rkerrors.CodeConcurrentSplit {
		t.Fatalf("expected CONCURRENT_SPLIT, got %v", err)
	}
	if s.splitCalls != 1 {
		t.Errorf("conflict must not be retried, got %d split calls", s.splitCalls)
	}
	if res == nil || len(res.Added) != 0 {
		t.Errorf("expected no boundaries added, got %+v", res)
	}
	if got := testutil.ToFloat64(m.ConflictsTotal.WithLabelValues("events", rkerrors.CodeConcurrentSplit)); got != 1 {
		t.Errorf("conflict counter = %v, want 1", got)
	}
}

func TestEnsureBoundaryAhead_PartialFailureReportsCommitted(t *testing.T) {
	s := newMemStore()
	s.set("events", types.Date(2019, 12, 31))
	calls := 0
	s.beforeSplit = func(table string) {
		calls++
		if calls == 2 {
			s.mu.Lock()
			s.boundaries[table] = append(s.boundaries[table], types.Date(2021, 3, 31))
			s.mu.Unlock()
		}
	}
	c := NewController(s, nil, DefaultConfig()).WithClock(fixedClock(june2022))

	res, err := c.EnsureBoundaryAhead(context.Background(), "events", types.Years(1))
	if !rkerrors.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(res.Added) != 1 || res.Added[0].String() != "2020-12-31" {
		t.Errorf("expected the first split to be reported, got %v", res.Added)
	}
	b, _ := rkerrors.GetDetail(err, rkerrors.DetailBoundaries)
	if got := b.([]string); len(got) != 2 || got[1] != "2020-12-31" {
		t.Errorf("details should list committed boundaries, got %v", got)
	}
}

func TestEnsureBoundaryAhead_ConcurrentCallers(t *testing.T) {
	s := newMemStore()
	s.set("events", yearly()...)
	locker := lease.NewInMemoryLock()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := NewController(s, locker, DefaultConfig()).WithClock(fixedClock(june2022))
			_, errs[i] = c.EnsureBoundaryAhead(context.Background(), "events", types.Years(1))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !rkerrors.IsConflict(err) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	got, _ := s.ListBoundaries(context.Background(), "events")
	if len(got) != 3 || got[2].String() != "2022-12-31" {
		t.Errorf("expected exactly one added boundary, got %v", partition.Strings(got))
	}
}

func TestPlan_DoesNotSplit(t *testing.T) {
	s := newMemStore()
	s.set("events", types.Date(2022, 1, 31))
	c := NewController(s, nil, DefaultConfig()).WithClock(fixedClock(june2022))

	plan, err := c.Plan(context.Background(), "events", types.Months(1))
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	want := []string{"2022-02-28", "2022-03-31", "2022-04-30", "2022-05-31", "2022-06-30"}
	got := partition.Strings(plan.Missing)
	if len(got) != len(want) {
		t.Fatalf("missing = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("missing[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	if plan.Target.String() != "2022-06-30" || plan.NoOp() {
		t.Errorf("unexpected plan %+v", plan)
	}
	if s.splitCalls != 0 {
		t.Errorf("Plan must not split, got %d calls", s.splitCalls)
	}
}

// TestProperty_EnsureIsIdempotent validates that after one call the largest
// boundary is past now, the list stays strictly increasing and an immediate
// second call changes nothing.
func TestProperty_EnsureIsIdempotent(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("ensure then ensure is a no-op", prop.ForAll(
		func(anchorOffset, nowOffset, months, days int) bool {
			lead := types.Interval{Months: months, Days: days}
			if !lead.Positive() {
				lead.Days = 1
			}
			base := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
			s := newMemStore()
			s.set("t", types.NewBoundary(base.AddDate(0, 0, anchorOffset)))
			now := base.AddDate(0, 0, nowOffset).Add(6 * time.Hour)
			c := NewController(s, nil, DefaultConfig()).WithClock(fixedClock(now))

			if _, err := c.EnsureBoundaryAhead(context.Background(), "t", lead); err != nil {
				return false
			}
			after, _ := s.ListBoundaries(context.Background(), "t")
			top, _ := partition.MaxBoundary(after)
			if !top.Time().After(now) || partition.ValidateBoundaries(after) != nil {
				return false
			}

			res, err := c.EnsureBoundaryAhead(context.Background(), "t", lead)
			return err == nil && res.NoOp && len(res.After) == len(after)
		},
		gen.IntRange(0, 1500),
		gen.IntRange(0, 2500),
		gen.IntRange(0, 12),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}
