// Package cache provides a Redis-backed key-value adapter shared by token
// revocation, embedding/response caches, and conversation memory. Every key set
// through its helpers is prefixed with the owning tenant so one tenant's keyspace
// never collides with, or is readable from, another's; callers of Client() (the
// rate limiter) build their own, un-prefixed keys.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with tenant-prefixed key helpers.
type Cache struct {
	client *redis.Client
}

// New creates a Cache from a redis:// connection URL.
func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	return &Cache{client: client}, nil
}

// Ping verifies connectivity to Redis.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Client exposes the underlying redis client for callers that need commands this
// adapter doesn't wrap directly (e.g. Lua scripts, pub/sub).
func (c *Cache) Client() *redis.Client {
	return c.client
}

// tenantKey builds a key scoped to tenantID, matching the "tenant:<id>:..." layout
// used throughout the cache adapter's callers.
func tenantKey(tenantID, rest string) string {
	return fmt.Sprintf("tenant:%s:%s", tenantID, rest)
}

// Set stores value under a tenant-scoped key with ttl (0 means no expiry).
func (c *Cache) Set(ctx context.Context, tenantID, key string, value string, ttl time.Duration) error {
	return c.client.Set(ctx, tenantKey(tenantID, key), value, ttl).Err()
}

// Get retrieves a tenant-scoped value. Returns ErrNil (redis.Nil, unwrapped) when absent.
func (c *Cache) Get(ctx context.Context, tenantID, key string) (string, error) {
	return c.client.Get(ctx, tenantKey(tenantID, key)).Result()
}

// Delete removes a tenant-scoped key.
func (c *Cache) Delete(ctx context.Context, tenantID, key string) error {
	return c.client.Del(ctx, tenantKey(tenantID, key)).Err()
}

// SetNX sets a tenant-scoped key only if it does not already exist, returning
// whether the set happened. Used for idempotent once-only markers (refresh-token
// rotation).
func (c *Cache) SetNX(ctx context.Context, tenantID, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, tenantKey(tenantID, key), value, ttl).Result()
}

// Incr atomically increments a tenant-scoped counter, setting ttl on first creation.
func (c *Cache) Incr(ctx context.Context, tenantID, key string, ttl time.Duration) (int64, error) {
	k := tenantKey(tenantID, key)
	n, err := c.client.Incr(ctx, k).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		c.client.Expire(ctx, k, ttl)
	}
	return n, nil
}

// ErrNil is a convenience re-export so callers don't need to import redis directly
// just to check for a cache miss.
var ErrNil = redis.Nil
