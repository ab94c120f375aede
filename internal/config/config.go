// Package config provides unified configuration for the rangekeeper daemon
// and CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rangekeeper/rangekeeper/pkg/types"
	"gopkg.in/yaml.v3"
)

// Engine types.
const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

// Backends for cursor and lease state.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Archive storage types.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds the unified configuration.
type Config struct {
	// DataDir is the base directory for SQLite files and archive work files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	State     StateConfig     `json:"state" yaml:"state"`
	HTTP      HTTPConfig      `json:"http" yaml:"http"`
	GRPC      GRPCConfig      `json:"grpc" yaml:"grpc"`
	Scheduler SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Migrator  MigratorConfig  `json:"migrator" yaml:"migrator"`

	// Tables are the partitioned tables kept ahead of the clock
	Tables []TableConfig `json:"tables" yaml:"tables"`

	// Migrations are the subset-migration jobs run by the scheduler
	Migrations []MigrationConfig `json:"migrations" yaml:"migrations"`

	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// EngineConfig selects the storage engine holding the partitioned tables.
type EngineConfig struct {
	// Type is sqlite or postgres
	Type string `json:"type" yaml:"type"`

	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite engine configuration.
type SQLiteConfig struct {
	// Path is the database file (default: <data_dir>/rangekeeper.db)
	Path string `json:"path" yaml:"path"`

	// Driver is sqlite3 (mattn, cgo) or sqlite (modernc, pure Go)
	Driver string `json:"driver" yaml:"driver"`

	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// PostgresConfig holds PostgreSQL engine configuration.
type PostgresConfig struct {
	URL             string        `json:"url" yaml:"url"`
	MaxConns        int32         `json:"max_conns" yaml:"max_conns"`
	MinConns        int32         `json:"min_conns" yaml:"min_conns"`
	MaxConnIdleTime time.Duration `json:"max_conn_idle_time" yaml:"max_conn_idle_time"`
}

// StateConfig selects where cursors and leases live.
type StateConfig struct {
	// Cursors is memory, sqlite or redis
	Cursors string `json:"cursors" yaml:"cursors"`

	// Leases is memory, sqlite, postgres or redis
	Leases string `json:"leases" yaml:"leases"`

	// Path is the SQLite state database (default: <data_dir>/state.db)
	Path string `json:"path" yaml:"path"`

	Redis RedisConfig `json:"redis" yaml:"redis"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// HTTPConfig holds admin HTTP server configuration.
type HTTPConfig struct {
	Addr         string        `json:"addr" yaml:"addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// GRPCConfig holds gRPC health server configuration.
type GRPCConfig struct {
	Addr    string `json:"addr" yaml:"addr"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// SchedulerConfig holds scheduler daemon configuration.
type SchedulerConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// CheckInterval is the time between scheduler cycles
	CheckInterval time.Duration `json:"check_interval" yaml:"check_interval"`

	// LeaseTTL bounds how long a crashed controller blocks a table
	LeaseTTL time.Duration `json:"lease_ttl" yaml:"lease_ttl"`

	MaxParallelRuns  int           `json:"max_parallel_runs" yaml:"max_parallel_runs"`
	MinParallelRuns  int           `json:"min_parallel_runs" yaml:"min_parallel_runs"`
	FailureThreshold float64       `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow    time.Duration `json:"failure_window" yaml:"failure_window"`

	// StatsWindow is how long per-table activity is kept
	StatsWindow time.Duration `json:"stats_window" yaml:"stats_window"`
}

// MigratorConfig holds per-batch settings shared by every migration job.
type MigratorConfig struct {
	BatchTimeout   time.Duration `json:"batch_timeout" yaml:"batch_timeout"`
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
	RunLeaseTTL    time.Duration `json:"run_lease_ttl" yaml:"run_lease_ttl"`
}

// TableConfig is a managed partitioned table.
type TableConfig struct {
	Name string         `json:"name" yaml:"name"`
	Lead types.Interval `json:"lead" yaml:"lead"`
}

// MigrationConfig is a migration job and its cadence.
type MigrationConfig struct {
	types.MigrationJob `json:",inline" yaml:",inline"`

	// Every is how often the job is re-run after completing; zero runs it
	// every scheduler cycle
	Every time.Duration `json:"every" yaml:"every"`

	Disabled bool `json:"disabled" yaml:"disabled"`
}

// ArchiveConfig holds archive export configuration.
type ArchiveConfig struct {
	// Storage is local or s3
	Storage string `json:"storage" yaml:"storage"`

	// Path is the local storage root (default: <data_dir>/archive)
	Path string `json:"path" yaml:"path"`

	// Prefix is prepended to object paths
	Prefix string `json:"prefix" yaml:"prefix"`

	// WorkDir holds temp files during export (default: <data_dir>/work)
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	Bucket string `json:"bucket" yaml:"bucket"`
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint     string `json:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/rangekeeper",
		Engine: EngineConfig{
			Type: EngineSQLite,
			SQLite: SQLiteConfig{
				Driver:      "sqlite3",
				BusyTimeout: 5 * time.Second,
			},
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		State: StateConfig{
			Cursors: BackendSQLite,
			Leases:  BackendSQLite,
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: true,
		},
		Scheduler: SchedulerConfig{
			Enabled:          true,
			CheckInterval:    time.Hour,
			LeaseTTL:         2 * time.Minute,
			MaxParallelRuns:  4,
			MinParallelRuns:  1,
			FailureThreshold: 0.25,
			FailureWindow:    30 * time.Minute,
			StatsWindow:      24 * time.Hour,
		},
		Migrator: MigratorConfig{
			BatchTimeout:   30 * time.Second,
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
			RunLeaseTTL:    10 * time.Minute,
		},
		Archive: ArchiveConfig{
			Storage: StorageLocal,
			Prefix:  "archive",
		},
	}
}

// Resolve fills paths derived from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/rangekeeper"
	}
	if c.Engine.SQLite.Path == "" {
		c.Engine.SQLite.Path = filepath.Join(c.DataDir, "rangekeeper.db")
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(c.DataDir, "state.db")
	}
	if c.Archive.Path == "" {
		c.Archive.Path = filepath.Join(c.DataDir, "archive")
	}
	if c.Archive.WorkDir == "" {
		c.Archive.WorkDir = filepath.Join(c.DataDir, "work")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Engine.Type {
	case EngineSQLite:
	case EnginePostgres:
		if c.Engine.Postgres.URL == "" {
			return fmt.Errorf("engine.postgres.url is required when engine type is postgres")
		}
	default:
		return fmt.Errorf("invalid engine type: %s (must be sqlite or postgres)", c.Engine.Type)
	}

	switch c.State.Cursors {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("invalid state.cursors: %s (must be memory, sqlite or redis)", c.State.Cursors)
	}
	switch c.State.Leases {
	case BackendMemory, BackendSQLite, BackendRedis:
	case BackendPostgres:
		if c.Engine.Type != EnginePostgres {
			return fmt.Errorf("state.leases postgres requires the postgres engine")
		}
	default:
		return fmt.Errorf("invalid state.leases: %s (must be memory, sqlite, postgres or redis)", c.State.Leases)
	}
	if (c.State.Cursors == BackendRedis || c.State.Leases == BackendRedis) && c.State.Redis.Addr == "" {
		return fmt.Errorf("state.redis.addr is required for the redis backend")
	}

	if c.Archive.Storage != StorageLocal && c.Archive.Storage != StorageS3 {
		return fmt.Errorf("invalid archive storage: %s (must be local or s3)", c.Archive.Storage)
	}
	if c.Archive.Storage == StorageS3 && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive storage is s3")
	}

	if c.Scheduler.CheckInterval <= 0 {
		return fmt.Errorf("scheduler.check_interval must be positive, got %v", c.Scheduler.CheckInterval)
	}
	if c.Scheduler.MinParallelRuns < 1 || c.Scheduler.MaxParallelRuns < c.Scheduler.MinParallelRuns {
		return fmt.Errorf("scheduler parallel runs must satisfy 1 <= min (%d) <= max (%d)",
			c.Scheduler.MinParallelRuns, c.Scheduler.MaxParallelRuns)
	}
	if c.Migrator.MaxAttempts < 1 {
		return fmt.Errorf("migrator.max_attempts must be at least 1, got %d", c.Migrator.MaxAttempts)
	}

	seen := make(map[string]bool)
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("tables: name is required")
		}
		if !t.Lead.Positive() {
			return fmt.Errorf("tables: %s lead must be a positive interval", t.Name)
		}
		if seen[t.Name] {
			return fmt.Errorf("tables: %s is listed twice", t.Name)
		}
		seen[t.Name] = true
	}

	runs := make(map[string]bool)
	for _, m := range c.Migrations {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		if runs[m.RunID] {
			return fmt.Errorf("migrations: run_id %s is listed twice", m.RunID)
		}
		runs[m.RunID] = true
	}

	return nil
}

// Table returns the managed table named name.
func (c *Config) Table(name string) (TableConfig, bool) {
	for _, t := range c.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableConfig{}, false
}

// Migration returns the migration job with the given run ID.
func (c *Config) Migration(runID string) (MigrationConfig, bool) {
	for _, m := range c.Migrations {
		if m.RunID == runID {
			return m, true
		}
	}
	return MigrationConfig{}, false
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the RANGEKEEPER_ prefix.
func LoadFromEnv(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv("RANGEKEEPER_" + name); v != "" {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv("RANGEKEEPER_" + name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	num := func(name string, dst *int) {
		if v := os.Getenv("RANGEKEEPER_" + name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v := os.Getenv("RANGEKEEPER_" + name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	str("DATA_DIR", &cfg.DataDir)

	// Engine configuration
	str("ENGINE", &cfg.Engine.Type)
	str("SQLITE_PATH", &cfg.Engine.SQLite.Path)
	str("SQLITE_DRIVER", &cfg.Engine.SQLite.Driver)
	str("POSTGRES_URL", &cfg.Engine.Postgres.URL)

	// State configuration
	str("CURSORS", &cfg.State.Cursors)
	str("LEASES", &cfg.State.Leases)
	str("STATE_PATH", &cfg.State.Path)
	str("REDIS_ADDR", &cfg.State.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.State.Redis.Password)
	num("REDIS_DB", &cfg.State.Redis.DB)

	// Servers
	str("HTTP_ADDR", &cfg.HTTP.Addr)
	str("GRPC_ADDR", &cfg.GRPC.Addr)
	flag("GRPC_ENABLED", &cfg.GRPC.Enabled)

	// Scheduler configuration
	flag("SCHEDULER_ENABLED", &cfg.Scheduler.Enabled)
	dur("SCHEDULER_CHECK_INTERVAL", &cfg.Scheduler.CheckInterval)
	dur("SCHEDULER_LEASE_TTL", &cfg.Scheduler.LeaseTTL)
	num("SCHEDULER_MAX_PARALLEL_RUNS", &cfg.Scheduler.MaxParallelRuns)

	// Migrator configuration
	dur("MIGRATOR_BATCH_TIMEOUT", &cfg.Migrator.BatchTimeout)
	num("MIGRATOR_MAX_ATTEMPTS", &cfg.Migrator.MaxAttempts)

	// Archive configuration
	str("ARCHIVE_STORAGE", &cfg.Archive.Storage)
	str("ARCHIVE_PATH", &cfg.Archive.Path)
	str("ARCHIVE_PREFIX", &cfg.Archive.Prefix)
	str("S3_BUCKET", &cfg.Archive.S3.Bucket)
	str("S3_REGION", &cfg.Archive.S3.Region)
	str("S3_ENDPOINT", &cfg.Archive.S3.Endpoint)
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Archive.WorkDir}
	if c.Engine.Type == EngineSQLite {
		dirs = append(dirs, filepath.Dir(c.Engine.SQLite.Path))
	}
	if c.State.Cursors == BackendSQLite || c.State.Leases == BackendSQLite {
		dirs = append(dirs, filepath.Dir(c.State.Path))
	}
	if c.Archive.Storage == StorageLocal {
		dirs = append(dirs, c.Archive.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
