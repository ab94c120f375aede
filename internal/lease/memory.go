package lease

import (
	"context"
	"sync"
	"time"
)

// InMemoryLock implements Locker for tests and single-process deployments.
type InMemoryLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
	now   func() time.Time
}

type lockEntry struct {
	token   uint64
	expires time.Time // zero means no expiry
}

func (e *lockEntry) live(now time.Time) bool {
	return e.expires.IsZero() || now.Before(e.expires)
}

// NewInMemoryLock creates a new in-memory lock.
func NewInMemoryLock() *InMemoryLock {
	return &InMemoryLock{
		locks: make(map[string]*lockEntry),
		now:   time.Now,
	}
}

var tokenSeq struct {
	sync.Mutex
	n uint64
}

func nextToken() uint64 {
	tokenSeq.Lock()
	defer tokenSeq.Unlock()
	tokenSeq.n++
	return tokenSeq.n
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// TryAcquire takes the lease if it is free or expired.
func (l *InMemoryLock) TryAcquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.locks[key]; ok && e.live(now) {
		return nil, false, nil
	}

	token := nextToken()
	l.locks[key] = &lockEntry{token: token, expires: expiry(now, ttl)}

	return &heldLease{
		release: func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// Only the holder that set the entry may delete it.
			if cur, ok := l.locks[key]; ok && cur.token == token {
				delete(l.locks, key)
			}
		},
		renew: func(_ context.Context, ttl time.Duration) error {
			l.mu.Lock()
			defer l.mu.Unlock()
			now := l.now()
			cur, ok := l.locks[key]
			if !ok || cur.token != token || !cur.live(now) {
				return ErrLeaseLost
			}
			cur.expires = expiry(now, ttl)
			return nil
		},
	}, true, nil
}

// Acquire blocks until the lease is taken or ctx is done.
func (l *InMemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return poll(ctx, func() (Lease, bool, error) { return l.TryAcquire(ctx, key, ttl) })
}
