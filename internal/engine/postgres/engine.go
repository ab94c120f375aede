// Package postgres implements the storage engine on PostgreSQL declarative
// range partitioning. Boundaries are read from pg_inherits and the partition
// bound expressions; splits and switches are DETACH/ATTACH sequences run in
// one transaction.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	URL             string        `yaml:"url" json:"url"`
	MaxConns        int32         `yaml:"max_conns" json:"max_conns"`
	MinConns        int32         `yaml:"min_conns" json:"min_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
}

// Engine implements engine.Engine on PostgreSQL.
type Engine struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("engine/postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("engine/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("engine/postgres: ping: %w", err)
	}
	return &Engine{pool: pool}, nil
}

// Name identifies the engine.
func (e *Engine) Name() string { return "postgres" }

// Pool returns the underlying pool for lease and state stores.
func (e *Engine) Pool() *pgxpool.Pool { return e.pool }

// Close closes the connection pool.
func (e *Engine) Close() error {
	e.pool.Close()
	return nil
}

func ident(name string) string { return pgx.Identifier{name}.Sanitize() }

// withTx runs fn in a transaction, committing on success.
func (e *Engine) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := e.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background())

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
