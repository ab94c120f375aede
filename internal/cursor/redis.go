package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	rkerrors "github.com/rangekeeper/rangekeeper/internal/errors"
	"github.com/rangekeeper/rangekeeper/pkg/types"
)

const redisKeyPrefix = "rangekeeper:cursor:"

// maxWatchRetries bounds optimistic retries when another writer touches the
// same cursor between WATCH and EXEC.
const maxWatchRetries = 5

// RedisStore keeps cursors as JSON strings, one key per run.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore wraps a connected client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(runID string) string { return redisKeyPrefix + runID }

// Load reads the cursor key of runID or returns CURSOR_NOT_FOUND.
func (s *RedisStore) Load(ctx context.Context, runID string) (types.MigrationCursor, error) {
	return redisLoad(ctx, s.client, runID)
}

func redisLoad(ctx context.Context, c redis.Cmdable, runID string) (types.MigrationCursor, error) {
	raw, err := c.Get(ctx, redisKey(runID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.MigrationCursor{}, notFound(runID)
	}
	if err != nil {
		return types.MigrationCursor{}, fmt.Errorf("cursor: redis GET %s: %w", runID, err)
	}
	var cur types.MigrationCursor
	if err := json.Unmarshal(raw, &cur); err != nil {
		return types.MigrationCursor{}, fmt.Errorf("cursor: corrupt cursor %s: %w", runID, err)
	}
	return cur, nil
}

// Save runs compare-and-set under WATCH so a concurrent writer cannot slip a
// regression in between the read and the write.
func (s *RedisStore) Save(ctx context.Context, c types.MigrationCursor) error {
	state, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("cursor: failed to encode %s: %w", c.RunID, err)
	}
	key := redisKey(c.RunID)

	txf := func(tx *redis.Tx) error {
		var prev *types.MigrationCursor
		if p, err := redisLoad(ctx, tx, c.RunID); err == nil {
			prev = &p
		} else if !isNotFound(err) {
			return err
		}
		if err := checkAdvance(prev, c); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, state, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("cursor: save %s: too many concurrent writers", c.RunID)
}

// List scans every cursor key and returns the cursors ordered by run ID.
func (s *RedisStore) List(ctx context.Context) ([]types.MigrationCursor, error) {
	var out []types.MigrationCursor
	iter := s.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		runID := strings.TrimPrefix(iter.Val(), redisKeyPrefix)
		c, err := s.Load(ctx, runID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, c)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cursor: redis SCAN: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// Delete removes the cursor key of runID.
func (s *RedisStore) Delete(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, redisKey(runID)).Err(); err != nil {
		return fmt.Errorf("cursor: redis DEL %s: %w", runID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	return rkerrors.GetCode(err) == rkerrors.CodeCursorNotFound
}
