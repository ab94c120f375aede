package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rangekeeper/rangekeeper/internal/cursor"
	"github.com/rangekeeper/rangekeeper/internal/engine/sqlite"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/internal/lifecycle"
	"github.com/rangekeeper/rangekeeper/internal/migrate"
	"github.com/rangekeeper/rangekeeper/internal/observability"
	"github.com/rangekeeper/rangekeeper/internal/scheduler"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

type fakeScheduler struct {
	mu        sync.Mutex
	jobs      map[string]types.MigrationJob
	triggered []string
	err       error
	done      chan struct{}
}

func (f *fakeScheduler) Job(runID string) (types.MigrationJob, bool) {
	j, ok := f.jobs[runID]
	return j, ok
}

func (f *fakeScheduler) TriggerMigration(_ context.Context, runID string) (*migrate.RunSummary, error) {
	f.mu.Lock()
	f.triggered = append(f.triggered, runID)
	f.mu.Unlock()
	if f.done != nil {
		defer close(f.done)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &migrate.RunSummary{RunID: runID, Batches: 3, Rows: 250}, nil
}

func (f *fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{Running: true, InFlight: []string{}}
}

type fixture struct {
	server  *httptest.Server
	cursors *cursor.MemoryStore
	sched   *fakeScheduler
	metrics *observability.MetricsCollector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	e, err := sqlite.Open(sqlite.DefaultOptions(filepath.Join(t.TempDir(), "rk.db")))
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })

	def := types.TableDef{
		Name:            "events",
		Columns:         []types.ColumnDef{{Name: "id", Type: "INTEGER"}, {Name: "created_on", Type: "TEXT"}},
		KeyColumn:       "id",
		PartitionColumn: "created_on",
	}
	if err := e.CreatePartitionedTable(ctx, def, []types.Boundary{types.Date(2020, 12, 31), types.Date(2021, 12, 31)}); err != nil {
		t.Fatalf("create table: %v", err)
	}

	metrics := observability.NewMetricsCollector(observability.DefaultMetricsConfig())
	stats := observability.NewActivityStats(time.Hour)
	ctrl := lifecycle.NewController(e, nil, lifecycle.DefaultConfig()).
		WithClock(func() time.Time { return time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC) }).
		WithMetrics(metrics).
		WithStats(stats)

	cursors := cursor.NewMemoryStore()
	sched := &fakeScheduler{jobs: map[string]types.MigrationJob{"events-2020": {RunID: "events-2020"}}}

	h := NewAdminHandler(e, ctrl, cursors, map[string]types.Interval{"events": types.Years(1)}).
		WithScheduler(sched).
		WithStats(stats).
		WithMetrics(metrics)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)
	return &fixture{server: srv, cursors: cursors, sched: sched, metrics: metrics}
}

func (f *fixture) do(t *testing.T, method, path string, out interface{}) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(method, f.server.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func TestAdmin_Health(t *testing.T) {
	f := newFixture(t)
	var body map[string]interface{}
	resp := f.do(t, http.MethodGet, "/health", &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("unexpected health response %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestAdmin_Boundaries(t *testing.T) {
	f := newFixture(t)
	var body BoundariesResponse
	resp := f.do(t, http.MethodGet, "/v1/tables/events/boundaries", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(body.Boundaries) != 2 || body.Max != "2021-12-31" {
		t.Errorf("unexpected boundaries %+v", body)
	}

	var errBody ErrorResponse
	resp = f.do(t, http.MethodGet, "/v1/tables/missing/boundaries", &errBody)
	if resp.StatusCode != http.StatusNotFound || errBody.Code != rkerrors.CodeTableNotPartitioned {
		t.Errorf("expected 404 TABLE_NOT_PARTITIONED, got %d %+v", resp.StatusCode, errBody)
	}
}

func TestAdmin_AdvanceDryRunThenApply(t *testing.T) {
	f := newFixture(t)

	var plan lifecycle.AdvancePlan
	f.do(t, http.MethodPost, "/v1/tables/events/advance?dry_run=true", &plan)
	if len(plan.Missing) != 1 || !plan.Missing[0].Equal(types.Date(2022, 12, 31)) {
		t.Fatalf("unexpected plan %+v", plan)
	}

	var boundaries BoundariesResponse
	f.do(t, http.MethodGet, "/v1/tables/events/boundaries", &boundaries)
	if len(boundaries.Boundaries) != 2 {
		t.Fatalf("dry run changed boundaries: %v", boundaries.Boundaries)
	}

	var res lifecycle.AdvanceResult
	resp := f.do(t, http.MethodPost, "/v1/tables/events/advance", &res)
	if resp.StatusCode != http.StatusOK || len(res.Added) != 1 || !res.Added[0].Equal(types.Date(2022, 12, 31)) {
		t.Fatalf("unexpected advance %d %+v", resp.StatusCode, res)
	}

	res = lifecycle.AdvanceResult{}
	f.do(t, http.MethodPost, "/v1/tables/events/advance", &res)
	if !res.NoOp || len(res.Added) != 0 {
		t.Errorf("second advance should be a no-op: %+v", res)
	}
}

func TestAdmin_AdvanceLeadValidation(t *testing.T) {
	f := newFixture(t)

	var errBody ErrorResponse
	resp := f.do(t, http.MethodPost, "/v1/tables/events/advance?lead=soon", &errBody)
	if resp.StatusCode != http.StatusBadRequest || errBody.Code != rkerrors.CodeInvalidInterval {
		t.Errorf("expected 400 INVALID_INTERVAL, got %d %+v", resp.StatusCode, errBody)
	}

	resp = f.do(t, http.MethodPost, "/v1/tables/orders/advance", &errBody)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unconfigured table, got %d", resp.StatusCode)
	}
}

func TestAdmin_Cursors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.cursors.Save(ctx, types.MigrationCursor{RunID: "r1", LastKey: 42, HasKey: true, Batches: 1, Rows: 42}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var c types.MigrationCursor
	resp := f.do(t, http.MethodGet, "/v1/cursors/r1", &c)
	if resp.StatusCode != http.StatusOK || c.LastKey != 42 {
		t.Errorf("unexpected cursor %d %+v", resp.StatusCode, c)
	}

	var list struct {
		Cursors []types.MigrationCursor `json:"cursors"`
	}
	f.do(t, http.MethodGet, "/v1/cursors", &list)
	if len(list.Cursors) != 1 {
		t.Errorf("expected 1 cursor, got %+v", list)
	}

	var errBody ErrorResponse
	resp = f.do(t, http.MethodGet, "/v1/cursors/nope", &errBody)
	if resp.StatusCode != http.StatusNotFound || errBody.Code != rkerrors.CodeCursorNotFound {
		t.Errorf("expected 404 CURSOR_NOT_FOUND, got %d %+v", resp.StatusCode, errBody)
	}
}

func TestAdmin_RunMigration(t *testing.T) {
	f := newFixture(t)

	var summary migrate.RunSummary
	resp := f.do(t, http.MethodPost, "/v1/migrations/events-2020/run?wait=true", &summary)
	if resp.StatusCode != http.StatusOK || summary.Rows != 250 {
		t.Errorf("unexpected summary %d %+v", resp.StatusCode, summary)
	}

	f.sched.done = make(chan struct{})
	resp = f.do(t, http.MethodPost, "/v1/migrations/events-2020/run", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case <-f.sched.done:
	case <-time.After(5 * time.Second):
		t.Fatal("background migration was not triggered")
	}

	var errBody ErrorResponse
	resp = f.do(t, http.MethodPost, "/v1/migrations/unknown/run", &errBody)
	if resp.StatusCode != http.StatusNotFound || errBody.Code != rkerrors.CodeJobNotFound {
		t.Errorf("expected 404 JOB_NOT_FOUND, got %d %+v", resp.StatusCode, errBody)
	}
}

func TestAdmin_RunMigrationFatalCarriesCursor(t *testing.T) {
	f := newFixture(t)
	last := types.MigrationCursor{RunID: "events-2020", LastKey: 1000, HasKey: true}
	f.sched.err = rkerrors.NewFatalMigration("batch failed", nil).
		WithDetails(map[string]interface{}{rkerrors.DetailLastCursor: last})

	var errBody ErrorResponse
	resp := f.do(t, http.MethodPost, "/v1/migrations/events-2020/run?wait=true", &errBody)
	if resp.StatusCode != http.StatusBadGateway || errBody.Code != rkerrors.CodeFatal {
		t.Fatalf("expected 502 FATAL, got %d %+v", resp.StatusCode, errBody)
	}
	lc, ok := errBody.Details[rkerrors.DetailLastCursor].(map[string]interface{})
	if !ok || lc["last_key"] != float64(1000) {
		t.Errorf("last_cursor not reported: %+v", errBody.Details)
	}
}

func TestAdmin_StatsAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/v1/tables/events/advance", nil)

	var stats struct {
		Subjects []observability.SubjectStats `json:"subjects"`
	}
	f.do(t, http.MethodGet, "/v1/stats?n=5", &stats)
	if len(stats.Subjects) != 1 || stats.Subjects[0].Subject != "events" {
		t.Errorf("unexpected stats %+v", stats)
	}

	resp, err := http.Get(f.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(buf.String(), `rangekeeper_splits_total{table="events"} 1`) {
		t.Errorf("metrics missing split counter:\n%s", buf.String())
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{rkerrors.NewNotFound(rkerrors.CodeNoBoundaries, "x"), http.StatusNotFound},
		{rkerrors.NewConflict(rkerrors.CodeConcurrentSplit, "x", nil), http.StatusConflict},
		{rkerrors.NewSchemaMismatch("x"), http.StatusUnprocessableEntity},
		{rkerrors.NewValidationError(rkerrors.CodeBoundaryNotAscending, "x"), http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
