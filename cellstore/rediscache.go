package cellstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL bounds how stale a cached cell may get. Queries already
// tolerate one pending index update of staleness, so a short TTL on top of
// write-path invalidation is enough.
const DefaultCacheTTL = 30 * time.Second

// RedisCache is a read-through TTL cache decorating another Backend.
//
// Reads hit Redis first and fall back to the inner backend, populating the
// cache on the way out. Writes invalidate before delegating. A failing Redis
// never fails the operation: the cache layer degrades to pass-through.
type RedisCache struct {
	inner     Backend
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
}

// NewRedisCache wraps inner with Redis caching. A non-positive ttl uses
// DefaultCacheTTL.
func NewRedisCache(inner Backend, client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &RedisCache{inner: inner, client: client, ttl: ttl, keyPrefix: "spherigo:cell:"}
}

func (c *RedisCache) cacheKey(key string) string {
	return c.keyPrefix + key
}

// Get returns the cached document if present, otherwise reads through.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.cacheKey(key)).Bytes()
	if err == nil {
		return data, nil
	}
	// redis.Nil is a normal miss; anything else degrades to pass-through.
	data, err = c.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	c.client.Set(ctx, c.cacheKey(key), data, c.ttl)
	return data, nil
}

// Put invalidates the cache entry and delegates.
func (c *RedisCache) Put(ctx context.Context, key string, data []byte) error {
	c.client.Del(ctx, c.cacheKey(key))
	return c.inner.Put(ctx, key, data)
}

// Delete invalidates the cache entry and delegates.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	c.client.Del(ctx, c.cacheKey(key))
	return c.inner.Delete(ctx, key)
}

// List delegates to the inner backend; listings are not cached.
func (c *RedisCache) List(ctx context.Context, keyPrefix string) ([]string, error) {
	return c.inner.List(ctx, keyPrefix)
}

// Flush drops every cached cell. Used after a rebuild so readers do not see
// pre-rebuild aggregates for a full TTL.
func (c *RedisCache) Flush(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, c.keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}
