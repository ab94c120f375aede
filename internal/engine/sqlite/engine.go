package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Driver names registered by the two SQLite drivers.
const (
	DriverCGO    = "sqlite3" // github.com/mattn/go-sqlite3
	DriverPureGo = "sqlite"  // modernc.org/sqlite
)

// Options configures the SQLite engine.
type Options struct {
	// Path is the database file, or ":memory:".
	Path string

	// Driver is DriverCGO (default) or DriverPureGo.
	Driver string

	// BusyTimeout is how long a writer waits on a locked database before
	// SQLITE_BUSY is returned.
	BusyTimeout time.Duration
}

// DefaultOptions returns options for the given database file.
func DefaultOptions(path string) Options {
	return Options{
		Path:        path,
		Driver:      DriverCGO,
		BusyTimeout: 5 * time.Second,
	}
}

// Engine implements engine.Engine on SQLite.
type Engine struct {
	db     *sql.DB // single connection; every write and read is serialized
	path   string
	driver string
	mu     sync.Mutex
}

// Open opens (creating if needed) a SQLite database and its partition catalog.
func Open(opts Options) (*Engine, error) {
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	db, err := OpenDB(opts)
	if err != nil {
		return nil, err
	}

	e := &Engine{db: db, path: opts.Path, driver: opts.Driver}
	if err := e.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("engine/sqlite: failed to initialize catalog: %w", err)
	}
	return e, nil
}

// OpenDB opens a single-connection handle with WAL journaling and a busy
// timeout, without creating the partition catalog. The state database for
// cursors and leases is opened this way.
func OpenDB(opts Options) (*sql.DB, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("engine/sqlite: database path is required")
	}
	if opts.Driver == "" {
		opts.Driver = DriverCGO
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn, err := buildDSN(opts)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(opts.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("engine/sqlite: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)
	return db, nil
}

// buildDSN adds WAL journaling, busy timeout and immediate transactions in
// the query syntax each driver understands.
func buildDSN(opts Options) (string, error) {
	ms := opts.BusyTimeout.Milliseconds()
	switch opts.Driver {
	case DriverCGO:
		q := url.Values{}
		q.Set("_busy_timeout", fmt.Sprint(ms))
		q.Set("_txlock", "immediate")
		if opts.Path != ":memory:" {
			q.Set("_journal_mode", "WAL")
		}
		return "file:" + opts.Path + "?" + q.Encode(), nil
	case DriverPureGo:
		q := url.Values{}
		q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", ms))
		if opts.Path != ":memory:" {
			q.Add("_pragma", "journal_mode(WAL)")
		}
		q.Set("_txlock", "immediate")
		return "file:" + opts.Path + "?" + q.Encode(), nil
	default:
		return "", fmt.Errorf("engine/sqlite: unsupported driver %q (must be %s or %s)", opts.Driver, DriverCGO, DriverPureGo)
	}
}

func (e *Engine) initSchema() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, stmt := range AllSchemaSQL() {
		if _, err := e.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Name identifies the engine.
func (e *Engine) Name() string { return "sqlite" }

// DB exposes the underlying handle for state stores sharing the file.
func (e *Engine) DB() *sql.DB { return e.db }

// Close closes the database.
func (e *Engine) Close() error { return e.db.Close() }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing on success.
func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
