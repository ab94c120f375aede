package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rangekeeper/rangekeeper/internal/config"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "rk")
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.GRPC.Addr = "127.0.0.1:0"
	return cfg
}

func TestSchedulerConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.CheckInterval = 10 * time.Minute
	cfg.Scheduler.MaxParallelRuns = 3
	cfg.Tables = []config.TableConfig{{Name: "events", Lead: types.Months(1)}}
	cfg.Migrations = []config.MigrationConfig{
		{MigrationJob: types.MigrationJob{RunID: "a"}, Every: time.Hour},
		{MigrationJob: types.MigrationJob{RunID: "b"}, Disabled: true},
	}

	sc := SchedulerConfig(cfg)
	if sc.CheckInterval != 10*time.Minute || sc.Backpressure.MaxParallelRuns != 3 {
		t.Errorf("scheduler settings not mapped: %+v", sc)
	}
	if len(sc.Tables) != 1 || sc.Tables[0].Lead != types.Months(1) {
		t.Errorf("tables not mapped: %+v", sc.Tables)
	}
	if len(sc.Jobs) != 2 || !sc.Jobs[0].Enabled || sc.Jobs[0].Every != time.Hour || sc.Jobs[1].Enabled {
		t.Errorf("jobs not mapped: %+v", sc.Jobs)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Type = "oracle"
	if _, err := New(cfg); err == nil {
		t.Fatal("expected invalid engine to be rejected")
	}
}

func TestOpen_MemoryState(t *testing.T) {
	cfg := testConfig(t)
	cfg.State.Cursors = config.BackendMemory
	cfg.State.Leases = config.BackendMemory

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := a.Open(ctx); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer a.Close()

	// Open is idempotent.
	if err := a.Open(ctx); err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	if a.Engine() == nil || a.Cursors() == nil || a.Controller() == nil ||
		a.Migrator() == nil || a.Exporter() == nil || a.Scheduler() == nil {
		t.Fatal("components not wired")
	}
	if err := a.pingEngine(ctx); err != nil {
		t.Errorf("engine ping failed: %v", err)
	}
	if err := a.pingState(ctx); err != nil {
		t.Errorf("state ping failed: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.CheckInterval = time.Hour

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := a.Start(ctx); err == nil {
		t.Error("expected second Start to fail")
	}
	if !a.Scheduler().Running() {
		t.Error("scheduler not running after Start")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := a.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if a.Scheduler().Running() {
		t.Error("scheduler still running after Stop")
	}
}
