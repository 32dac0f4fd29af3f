package contextdrift

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache keeps the per-user context cache in Redis so that several
// service replicas see the same baseline.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed context cache. A zero ttl keeps
// entries until they are overwritten or deleted.
func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "behavauth:context:", ttl: ttl}
}

var _ ContextCache = (*RedisCache)(nil)

func (c *RedisCache) key(userID string) string {
	return c.prefix + userID
}

func (c *RedisCache) GetContext(ctx context.Context, userID string) (*Sample, error) {
	raw, err := c.rdb.Get(ctx, c.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached context: %w", err)
	}
	var sample Sample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, fmt.Errorf("failed to decode cached context: %w", err)
	}
	return &sample, nil
}

func (c *RedisCache) SaveContext(ctx context.Context, userID string, sample *Sample) error {
	raw, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(userID), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save context: %w", err)
	}
	return nil
}

func (c *RedisCache) DeleteContext(ctx context.Context, userID string) error {
	if err := c.rdb.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached context: %w", err)
	}
	return nil
}

// Ping checks connectivity for readiness probes.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
