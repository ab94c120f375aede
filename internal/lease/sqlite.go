package lease

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateLeasesSQL creates the lease table used by SQLiteLock.
const CreateLeasesSQL = `
CREATE TABLE IF NOT EXISTS rk_leases (
    lease_key TEXT PRIMARY KEY,
    holder TEXT NOT NULL,
    expires_at INTEGER NOT NULL
)`

// SQLiteLock implements Locker with a lease row per key. Expired rows are
// reclaimed by the next TryAcquire.
type SQLiteLock struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLock creates the lease table on db if needed.
func NewSQLiteLock(db *sql.DB) (*SQLiteLock, error) {
	if _, err := db.Exec(CreateLeasesSQL); err != nil {
		return nil, fmt.Errorf("lease: failed to create lease table: %w", err)
	}
	return &SQLiteLock{db: db, now: time.Now}, nil
}

// TryAcquire inserts the lease row unless a live one exists.
func (l *SQLiteLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := l.now()
	holder := uuid.NewString()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO rk_leases (lease_key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (lease_key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE rk_leases.expires_at <= ?`,
		key, holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, false, fmt.Errorf("lease: acquire %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if n == 0 {
		return nil, false, nil
	}

	return &heldLease{
		release: func() {
			_, _ = l.db.ExecContext(context.Background(),
				`DELETE FROM rk_leases WHERE lease_key = ? AND holder = ?`, key, holder)
		},
		renew: func(ctx context.Context, ttl time.Duration) error {
			return l.renew(ctx, key, holder, ttl)
		},
	}, true, nil
}

// renew extends the row only while holder still owns a live lease.
func (l *SQLiteLock) renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	now := l.now()
	res, err := l.db.ExecContext(ctx, `
		UPDATE rk_leases SET expires_at = ?
		WHERE lease_key = ? AND holder = ? AND expires_at > ?`,
		now.Add(ttl).UnixMilli(), key, holder, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("lease: renew %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Acquire blocks until the lease is taken or ctx is done.
func (l *SQLiteLock) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return poll(ctx, func() (Lease, bool, error) { return l.TryAcquire(ctx, key, ttl) })
}
