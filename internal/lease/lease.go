// Package lease serializes boundary maintenance per table across processes.
// A lease is held for at most its TTL unless the holder renews it; Release
// is safe to call more than once.
package lease

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// ErrLeaseLost is returned by Renew when the lease expired or was taken
// over by another holder.
var ErrLeaseLost = errors.New("lease: lease lost")

// Locker provides mutual exclusion keyed by string.
type Locker interface {
	// Acquire obtains a lease for key, blocking until acquired or ctx is done.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)

	// TryAcquire attempts to acquire a lease without blocking. Returns false
	// if another holder has it.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (l Lease, acquired bool, err error)
}

// Lease is a held lease.
type Lease interface {
	// Renew pushes the expiry to ttl from now. It fails with ErrLeaseLost
	// if the lease is no longer held by this holder.
	Renew(ctx context.Context, ttl time.Duration) error

	// Release gives the lease up.
	Release()
}

// heldLease adapts per-backend release and renew functions to Lease.
type heldLease struct {
	once    sync.Once
	release func()
	renew   func(ctx context.Context, ttl time.Duration) error
}

func (h *heldLease) Release() { h.once.Do(h.release) }

func (h *heldLease) Renew(ctx context.Context, ttl time.Duration) error {
	return h.renew(ctx, ttl)
}

// TableKey is the lease key guarding boundary changes of table.
func TableKey(table string) string {
	return "rangekeeper:lease:table:" + table
}

// RunKey is the lease key guarding a migration run.
func RunKey(runID string) string {
	return "rangekeeper:lease:run:" + runID
}

// defaultTTL applies to expiring leases requested without a TTL.
const defaultTTL = 5 * time.Minute

// pollInterval is how often blocking Acquire implementations retry.
const pollInterval = 50 * time.Millisecond

// hashToInt64 maps a key to a non-negative advisory lock ID.
func hashToInt64(key string) int64 {
	return int64(murmur3.Sum64([]byte(key)) & 0x7FFFFFFFFFFFFFFF)
}

// poll retries try until it acquires or ctx is done.
func poll(ctx context.Context, try func() (Lease, bool, error)) (Lease, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		held, ok, err := try()
		if err != nil {
			return nil, err
		}
		if ok {
			return held, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
