// Package app wires the storage engine, state stores, lifecycle controller,
// migrator, scheduler and admin servers for the daemon and the CLI.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	grpcapi "github.com/rangekeeper/rangekeeper/internal/api/grpc"
	httpapi "github.com/rangekeeper/rangekeeper/internal/api/http"
	"github.com/rangekeeper/rangekeeper/internal/archive"
	"github.com/rangekeeper/rangekeeper/internal/config"
	"github.com/rangekeeper/rangekeeper/internal/cursor"
	"github.com/rangekeeper/rangekeeper/internal/engine"
	"github.com/rangekeeper/rangekeeper/internal/engine/postgres"
	"github.com/rangekeeper/rangekeeper/internal/engine/sqlite"
	"github.com/rangekeeper/rangekeeper/internal/lease"
	"github.com/rangekeeper/rangekeeper/internal/lifecycle"
	"github.com/rangekeeper/rangekeeper/internal/migrate"
	"github.com/rangekeeper/rangekeeper/internal/observability"
	"github.com/rangekeeper/rangekeeper/internal/scheduler"
	"github.com/rangekeeper/rangekeeper/internal/server"
	"github.com/rangekeeper/rangekeeper/internal/storage"
	"github.com/rangekeeper/rangekeeper/pkg/types"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
)

// App manages component construction and the daemon lifecycle.
type App struct {
	cfg *config.Config

	// Shared resources
	engine  engine.Engine
	stateDB *sql.DB
	redis   *redis.Client
	cursors cursor.Store
	locker  lease.Locker
	objects storage.ObjectStorage
	metrics *observability.MetricsCollector
	stats   *observability.ActivityStats

	// Components
	controller *lifecycle.Controller
	migrator   *migrate.Migrator
	exporter   *archive.Exporter
	daemon     *scheduler.Daemon
	health     *grpcapi.HealthService

	// Servers
	httpServer *http.Server
	grpcServer *grpc.Server
	shutdown   *server.ShutdownManager

	// Lifecycle
	mu      sync.Mutex
	opened  bool
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New resolves and validates cfg and creates the data directories.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{
		cfg:      cfg,
		shutdown: server.NewShutdownManager(server.DefaultShutdownConfig()),
	}, nil
}

// Open builds every component without starting servers or the scheduler.
// The CLI uses an opened App directly; Start calls Open.
func (a *App) Open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil
	}

	if err := a.openEngine(ctx); err != nil {
		return err
	}
	if err := a.openState(ctx); err != nil {
		a.shutdown.Shutdown(context.Background(), "open failed")
		return err
	}
	if err := a.openArchive(ctx); err != nil {
		a.shutdown.Shutdown(context.Background(), "open failed")
		return err
	}

	a.metrics = observability.NewMetricsCollector(observability.DefaultMetricsConfig())
	a.stats = observability.NewActivityStats(a.cfg.Scheduler.StatsWindow)

	a.controller = lifecycle.NewController(a.engine, a.locker, lifecycle.Config{LeaseTTL: a.cfg.Scheduler.LeaseTTL}).
		WithMetrics(a.metrics).
		WithStats(a.stats)

	a.migrator = migrate.NewMigrator(a.engine, a.cursors, migrate.Config{
		BatchTimeout:   a.cfg.Migrator.BatchTimeout,
		MaxAttempts:    a.cfg.Migrator.MaxAttempts,
		InitialBackoff: a.cfg.Migrator.InitialBackoff,
		MaxBackoff:     a.cfg.Migrator.MaxBackoff,
		RunLeaseTTL:    a.cfg.Migrator.RunLeaseTTL,
	}).WithLocker(a.locker).WithMetrics(a.metrics).WithStats(a.stats)

	a.exporter = archive.NewExporter(archive.Config{
		Prefix:  a.cfg.Archive.Prefix,
		WorkDir: a.cfg.Archive.WorkDir,
	}, a.engine, a.objects).WithMetrics(a.metrics)

	a.daemon = scheduler.NewDaemon(SchedulerConfig(a.cfg), a.controller, a.migrator).WithStats(a.stats)

	a.opened = true
	return nil
}

// SchedulerConfig maps the scheduler section, tables and migrations of cfg.
func SchedulerConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.Config{
		CheckInterval: cfg.Scheduler.CheckInterval,
		Backpressure: scheduler.BackpressureConfig{
			MaxParallelRuns:  cfg.Scheduler.MaxParallelRuns,
			MinParallelRuns:  cfg.Scheduler.MinParallelRuns,
			FailureThreshold: cfg.Scheduler.FailureThreshold,
			Window:           cfg.Scheduler.FailureWindow,
		},
	}
	for _, t := range cfg.Tables {
		sc.Tables = append(sc.Tables, scheduler.TableSchedule{Name: t.Name, Lead: t.Lead})
	}
	for _, m := range cfg.Migrations {
		sc.Jobs = append(sc.Jobs, scheduler.JobSchedule{Job: m.MigrationJob, Every: m.Every, Enabled: !m.Disabled})
	}
	return sc
}

func (a *App) openEngine(ctx context.Context) error {
	switch a.cfg.Engine.Type {
	case config.EngineSQLite:
		e, err := sqlite.Open(sqlite.Options{
			Path:        a.cfg.Engine.SQLite.Path,
			Driver:      a.cfg.Engine.SQLite.Driver,
			BusyTimeout: a.cfg.Engine.SQLite.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to open sqlite engine: %w", err)
		}
		a.engine = e
		log.Printf("Engine initialized: sqlite %s (driver %s)", a.cfg.Engine.SQLite.Path, a.cfg.Engine.SQLite.Driver)
	case config.EnginePostgres:
		pg := a.cfg.Engine.Postgres
		e, err := postgres.Open(ctx, postgres.Config{
			URL:             pg.URL,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnIdleTime: pg.MaxConnIdleTime,
		})
		if err != nil {
			return fmt.Errorf("failed to open postgres engine: %w", err)
		}
		a.engine = e
		log.Printf("Engine initialized: postgres")
	default:
		return fmt.Errorf("unsupported engine type: %s", a.cfg.Engine.Type)
	}
	a.shutdown.RegisterCloser("engine", a.engine)
	return nil
}

func (a *App) openState(ctx context.Context) error {
	st := a.cfg.State

	if st.Cursors == config.BackendSQLite || st.Leases == config.BackendSQLite {
		db, err := sqlite.OpenDB(sqlite.Options{
			Path:        st.Path,
			Driver:      a.cfg.Engine.SQLite.Driver,
			BusyTimeout: a.cfg.Engine.SQLite.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to open state database: %w", err)
		}
		a.stateDB = db
		a.shutdown.RegisterCloser("state database", db)
	}
	if st.Cursors == config.BackendRedis || st.Leases == config.BackendRedis {
		a.redis = redis.NewClient(&redis.Options{Addr: st.Redis.Addr, Password: st.Redis.Password, DB: st.Redis.DB})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.redis.Close()
			return fmt.Errorf("failed to connect to redis at %s: %w", st.Redis.Addr, err)
		}
		a.shutdown.RegisterCloser("redis", a.redis)
	}

	var err error
	switch st.Cursors {
	case config.BackendMemory:
		a.cursors = cursor.NewMemoryStore()
	case config.BackendSQLite:
		a.cursors, err = cursor.NewSQLiteStore(a.stateDB)
	case config.BackendRedis:
		a.cursors = cursor.NewRedisStore(a.redis)
	}
	if err != nil {
		return err
	}

	switch st.Leases {
	case config.BackendMemory:
		a.locker = lease.NewInMemoryLock()
	case config.BackendSQLite:
		a.locker, err = lease.NewSQLiteLock(a.stateDB)
	case config.BackendRedis:
		a.locker = lease.NewRedisLockFromClient(a.redis)
	case config.BackendPostgres:
		pg, ok := a.engine.(*postgres.Engine)
		if !ok {
			return errors.New("postgres leases require the postgres engine")
		}
		a.locker = lease.NewPGAdvisoryLock(pg.Pool())
	}
	if err != nil {
		return err
	}

	log.Printf("State initialized: cursors=%s leases=%s", st.Cursors, st.Leases)
	return nil
}

func (a *App) openArchive(ctx context.Context) error {
	var err error
	switch a.cfg.Archive.Storage {
	case config.StorageLocal:
		a.objects, err = storage.NewLocalStorage(a.cfg.Archive.Path)
	case config.StorageS3:
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Archive.S3.Region != "" {
			s3Cfg.Region = a.cfg.Archive.S3.Region
		}
		s3Cfg.Endpoint = a.cfg.Archive.S3.Endpoint
		s3Cfg.UsePathStyle = a.cfg.Archive.S3.UsePathStyle
		a.objects, err = storage.NewS3Storage(ctx, a.cfg.Archive.S3.Bucket, s3Cfg)
	default:
		return fmt.Errorf("unsupported archive storage: %s", a.cfg.Archive.Storage)
	}
	if err != nil {
		return fmt.Errorf("failed to initialize archive storage: %w", err)
	}
	log.Printf("Archive storage initialized: type=%s", a.cfg.Archive.Storage)
	return nil
}

// Start opens the components and starts the admin servers and, when
// enabled, the scheduler.
func (a *App) Start(ctx context.Context) error {
	if err := a.Open(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.cfg.Scheduler.Enabled {
		if err := a.daemon.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
		a.shutdown.RegisterCloser("scheduler", server.CloserFunc(a.daemon.Stop))
		log.Printf("Scheduler started: %d tables, %d migrations, every %v",
			len(a.cfg.Tables), len(a.cfg.Migrations), a.cfg.Scheduler.CheckInterval)
	}

	if err := a.startHTTP(ctx); err != nil {
		return err
	}
	if a.cfg.GRPC.Enabled {
		if err := a.startGRPC(ctx); err != nil {
			return err
		}
	}

	log.Printf("Rangekeeper started")
	return nil
}

func (a *App) startHTTP(ctx context.Context) error {
	leads := make(map[string]types.Interval, len(a.cfg.Tables))
	for _, t := range a.cfg.Tables {
		leads[t.Name] = t.Lead
	}
	admin := httpapi.NewAdminHandler(a.engine, a.controller, a.cursors, leads).
		WithScheduler(a.daemon).
		WithStats(a.stats).
		WithMetrics(a.metrics).
		WithRunContext(ctx)

	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.shutdown.Middleware(admin.Routes()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	lis, err := net.Listen("tcp", a.cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.HTTP.Addr, err)
	}
	a.shutdown.RegisterCloser("http server", server.HTTPServerCloser(a.httpServer, 10*time.Second))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Admin HTTP listening on %s", lis.Addr())
		if err := a.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			log.Printf("Admin HTTP server error: %v", err)
		}
	}()
	return nil
}

func (a *App) startGRPC(ctx context.Context) error {
	a.health = grpcapi.NewHealthService(10 * time.Second)
	a.health.AddProbe(grpcapi.ServiceEngine, a.pingEngine)
	a.health.AddProbe(grpcapi.ServiceState, a.pingState)
	if a.cfg.Scheduler.Enabled {
		a.health.AddProbe(grpcapi.ServiceScheduler, func(context.Context) error {
			if !a.daemon.Running() {
				return errors.New("scheduler is stopped")
			}
			return nil
		})
	}

	a.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(grpcapi.RequestIDInterceptor))
	a.health.Register(a.grpcServer)

	lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.cfg.GRPC.Addr, err)
	}
	a.shutdown.RegisterCloser("grpc server", server.CloserFunc(func() error {
		a.health.Shutdown()
		a.grpcServer.GracefulStop()
		return nil
	}))

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		log.Printf("gRPC health listening on %s", lis.Addr())
		if err := a.grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()
	go func() {
		defer a.wg.Done()
		a.health.Run(ctx)
	}()
	return nil
}

func (a *App) pingEngine(ctx context.Context) error {
	switch e := a.engine.(type) {
	case *sqlite.Engine:
		return e.DB().PingContext(ctx)
	case *postgres.Engine:
		return e.Pool().Ping(ctx)
	}
	return nil
}

func (a *App) pingState(ctx context.Context) error {
	if a.stateDB != nil {
		if err := a.stateDB.PingContext(ctx); err != nil {
			return err
		}
	}
	if a.redis != nil {
		return a.redis.Ping(ctx).Err()
	}
	return nil
}

// Stop stops the scheduler, drains the admin servers and releases every
// resource.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	a.running = false
	a.mu.Unlock()

	if running {
		log.Printf("Initiating graceful shutdown...")
	}
	// The scheduler is a registered closer, so it stops before the stores
	// it writes to are closed.
	err := a.shutdown.Shutdown(ctx, "stop requested")
	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Printf("Shutdown timeout, some goroutines may not have finished")
	}

	log.Printf("Rangekeeper stopped")
	return err
}

// Close releases the resources of an App that was only opened.
func (a *App) Close() error {
	return a.shutdown.Shutdown(context.Background(), "closed")
}

// WaitForShutdown blocks until a shutdown signal is received or ctx is
// done, then releases every resource. Stop afterwards only waits for the
// server goroutines.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Engine returns the storage engine.
func (a *App) Engine() engine.Engine { return a.engine }

// Cursors returns the cursor store.
func (a *App) Cursors() cursor.Store { return a.cursors }

// Controller returns the lifecycle controller.
func (a *App) Controller() *lifecycle.Controller { return a.controller }

// Migrator returns the migrator.
func (a *App) Migrator() *migrate.Migrator { return a.migrator }

// Exporter returns the archive exporter.
func (a *App) Exporter() *archive.Exporter { return a.exporter }

// Scheduler returns the scheduler daemon.
func (a *App) Scheduler() *scheduler.Daemon { return a.daemon }
