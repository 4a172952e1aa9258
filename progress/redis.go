package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces progress keys so the cache can share a
// Redis instance with other tenants.
const redisKeyPrefix = "ktrdr:progress:"

// redisTTL bounds how long a snapshot outlives its last update. The
// cache is an overlay, not a system of record; anything older than this
// is served from the database row instead.
const redisTTL = 24 * time.Hour

// RedisCache is a Cache backed by Redis, shared by coordinator replicas
// behind one API endpoint.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client, ttl: redisTTL}, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// Set stores a snapshot under its operation key with the cache TTL.
func (c *RedisCache) Set(ctx context.Context, snap Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal progress snapshot: %w", err)
	}

	return c.client.Set(ctx, redisKeyPrefix+snap.OperationID, data, c.ttl).Err()
}

// Get returns the snapshot for an operation, or nil when none is
// cached.
func (c *RedisCache) Get(ctx context.Context, operationID string) (*Snapshot, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+operationID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get progress snapshot: %w", err)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress snapshot: %w", err)
	}

	return snap, nil
}

// Remove drops the snapshot for an operation.
func (c *RedisCache) Remove(ctx context.Context, operationID string) error {
	return c.client.Del(ctx, redisKeyPrefix+operationID).Err()
}
