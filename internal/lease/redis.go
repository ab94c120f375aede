package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the key's expiry only if it still holds the caller's
// token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLock implements Locker using SET NX PX with a random token per
// holder.
type RedisLock struct {
	client *redis.Client
}

// NewRedisLock connects to Redis at addr.
func NewRedisLock(addr string) *RedisLock {
	return NewRedisLockWithOptions(addr, "", 0)
}

// NewRedisLockWithOptions connects with a password and database number.
func NewRedisLockWithOptions(addr, password string, db int) *RedisLock {
	return &RedisLock{client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

// NewRedisLockFromClient wraps an existing client.
func NewRedisLockFromClient(client *redis.Client) *RedisLock {
	return &RedisLock{client: client}
}

// TryAcquire sets key to a fresh token if it is absent.
func (l *RedisLock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lease: redis SETNX %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &heldLease{
		release: l.buildRelease(key, token),
		renew: func(ctx context.Context, ttl time.Duration) error {
			return l.renew(ctx, key, token, ttl)
		},
	}, true, nil
}

// Acquire blocks until the lease is taken or ctx is done.
func (l *RedisLock) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return poll(ctx, func() (Lease, bool, error) { return l.TryAcquire(ctx, key, ttl) })
}

func (l *RedisLock) buildRelease(key, token string) func() {
	return func() {
		_ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Err()
	}
}

func (l *RedisLock) renew(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	n, err := renewScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lease: redis renew %s: %w", key, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Close closes the Redis client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
