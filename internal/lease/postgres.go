package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGAdvisoryLock implements Locker using session-level PostgreSQL advisory
// locks. The key is hashed to the int64 lock ID. The TTL is not enforced by
// the server; the lock lasts until released or the session ends, so Renew
// only checks that the session is still alive.
type PGAdvisoryLock struct {
	pool *pgxpool.Pool
}

// NewPGAdvisoryLock creates an advisory lock on pool.
func NewPGAdvisoryLock(pool *pgxpool.Pool) *PGAdvisoryLock {
	return &PGAdvisoryLock{pool: pool}
}

// TryAcquire attempts pg_try_advisory_lock on a dedicated connection.
func (l *PGAdvisoryLock) TryAcquire(ctx context.Context, key string, _ time.Duration) (Lease, bool, error) {
	lockID := hashToInt64(key)

	// The lock belongs to the session, so the connection stays checked out
	// until release.
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("lease: acquire connection for %s: %w", key, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("lease: try lock %s: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	return &heldLease{
		release: func() {
			_, _ = conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", lockID)
			conn.Release()
		},
		renew: func(ctx context.Context, _ time.Duration) error {
			if err := conn.Ping(ctx); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrLeaseLost, key, err)
			}
			return nil
		},
	}, true, nil
}

// Acquire blocks until the advisory lock is taken or ctx is done.
func (l *PGAdvisoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return poll(ctx, func() (Lease, bool, error) { return l.TryAcquire(ctx, key, ttl) })
}
