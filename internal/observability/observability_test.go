package observability

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestActivityStats_Record(t *testing.T) {
	stats := NewActivityStats(time.Hour)

	stats.Record("events", "advance", nil)
	stats.Record("events", "split", nil)
	stats.Record("events", "advance", errors.New("lease held"))
	stats.Record("run-1", "batch", nil)

	s, ok := stats.Get("events")
	if !ok {
		t.Fatal("expected stats for events")
	}
	if s.Frequency != 3 {
		t.Errorf("expected frequency 3, got %d", s.Frequency)
	}
	if s.Operations["advance"] != 2 || s.Operations["split"] != 1 {
		t.Errorf("unexpected operations %v", s.Operations)
	}
	if s.LastError != "lease held" {
		t.Errorf("expected last error to be kept, got %q", s.LastError)
	}

	// A later success keeps the previous error visible.
	stats.Record("events", "advance", nil)
	s, _ = stats.Get("events")
	if s.LastError != "lease held" {
		t.Errorf("last error should survive a success, got %q", s.LastError)
	}

	if _, ok := stats.Get("missing"); ok {
		t.Error("unexpected stats for unknown subject")
	}
}

func TestActivityStats_GetReturnsCopy(t *testing.T) {
	stats := NewActivityStats(time.Hour)
	stats.Record("events", "split", nil)

	s, _ := stats.Get("events")
	s.Operations["split"] = 100

	again, _ := stats.Get("events")
	if again.Operations["split"] != 1 {
		t.Errorf("mutating a returned copy changed the tracker: %v", again.Operations)
	}
}

func TestActivityStats_Top(t *testing.T) {
	stats := NewActivityStats(time.Hour)
	for i := 0; i < 5; i++ {
		stats.Record("a", "batch", nil)
	}
	for i := 0; i < 3; i++ {
		stats.Record("b", "batch", nil)
	}
	stats.Record("c", "batch", nil)

	top := stats.Top(2)
	if len(top) != 2 {
		t.Fatalf("expected 2 subjects, got %d", len(top))
	}
	if top[0].Subject != "a" || top[1].Subject != "b" {
		t.Errorf("unexpected order: %s, %s", top[0].Subject, top[1].Subject)
	}

	if got := stats.Top(10); len(got) != 3 {
		t.Errorf("expected all 3 subjects, got %d", len(got))
	}
	if got := stats.Top(0); len(got) != 0 {
		t.Errorf("expected none for n=0, got %d", len(got))
	}
}

func TestActivityStats_Prune(t *testing.T) {
	stats := NewActivityStats(50 * time.Millisecond)
	stats.Record("old", "split", nil)

	time.Sleep(100 * time.Millisecond)
	stats.Record("new", "split", nil)
	stats.Prune()

	if _, ok := stats.Get("old"); ok {
		t.Error("old subject should have been pruned")
	}
	if _, ok := stats.Get("new"); !ok {
		t.Error("recent subject should survive pruning")
	}
}

func TestActivityStats_Concurrent(t *testing.T) {
	stats := NewActivityStats(time.Hour)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				stats.Record("events", "batch", nil)
				_ = stats.Top(5)
			}
		}()
	}
	wg.Wait()

	s, _ := stats.Get("events")
	if s.Frequency != 1000 {
		t.Errorf("expected 1000 records, got %d", s.Frequency)
	}
}

func TestMetricsCollector_Record(t *testing.T) {
	m := NewMetricsCollector(DefaultMetricsConfig())

	m.RecordAdvance("events", "advanced", 2)
	m.RecordAdvance("events", "noop", 0)
	m.RecordConflict("events", "LEASE_HELD")
	m.SetMaxBoundary("events", time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC))
	m.RecordBatch("run-1", 100, 1, 20*time.Millisecond)
	m.RecordBatch("run-1", 50, 0, 10*time.Millisecond)
	m.RecordRun("run-1", "completed")
	m.RecordSwitchOut("events", "ok")
	m.RecordExport("events", 4096)

	if got := testutil.ToFloat64(m.SplitsTotal.WithLabelValues("events")); got != 2 {
		t.Errorf("splits: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AdvanceChecks.WithLabelValues("events", "noop")); got != 1 {
		t.Errorf("noop checks: got %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RowsCopied.WithLabelValues("run-1")); got != 150 {
		t.Errorf("rows: got %v, want 150", got)
	}
	if got := testutil.ToFloat64(m.BatchesTotal.WithLabelValues("run-1")); got != 2 {
		t.Errorf("batches: got %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.BatchRetries.WithLabelValues("run-1")); got != 1 {
		t.Errorf("retries: got %v, want 1", got)
	}
	want := float64(time.Date(2022, 12, 31, 0, 0, 0, 0, time.UTC).Unix())
	if got := testutil.ToFloat64(m.MaxBoundary.WithLabelValues("events")); got != want {
		t.Errorf("max boundary: got %v, want %v", got, want)
	}
}

func TestMetricsCollector_NilSafe(t *testing.T) {
	var m *MetricsCollector
	m.RecordAdvance("events", "noop", 0)
	m.RecordConflict("events", "LEASE_HELD")
	m.SetMaxBoundary("events", time.Now())
	m.RecordBatch("run", 1, 0, time.Millisecond)
	m.RecordRun("run", "fatal")
	m.RecordSwitchOut("events", "error")
	m.RecordExport("events", 1)
}

func TestMetricsCollector_Handler(t *testing.T) {
	m := NewMetricsCollector(DefaultMetricsConfig())
	m.RecordSwitchOut("events", "ok")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `rangekeeper_switch_outs_total{status="ok",table="events"} 1`) {
		t.Errorf("switch-out counter missing from output:\n%s", body)
	}
}
