// Package refcache is a thin JSON read-through cache over redis for
// reference data and resolved FX rates. Every method is nil-safe: with no
// redis client configured the cache degrades to a no-op and callers fall
// back to the database.
package refcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Cache struct {
	redis redis.Cmdable
	ttl   time.Duration
}

func New(rdb redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{redis: rdb, ttl: ttl}
}

// Get decodes the cached value at key into dest. The second return is false
// on a miss, a decode failure, or when no redis client is configured.
func (c *Cache) Get(ctx context.Context, key string, dest any) bool {
	if c == nil || c.redis == nil {
		return false
	}
	val, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("cache get failed", zap.String("key", key), zap.Error(err))
		}
		return false
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		zap.L().Warn("cache decode failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set stores val at key for the cache TTL. Failures are logged, never
// surfaced; the cache is best effort.
func (c *Cache) Set(ctx context.Context, key string, val any) {
	if c == nil || c.redis == nil {
		return
	}
	raw, err := json.Marshal(val)
	if err != nil {
		zap.L().Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, key, raw, c.ttl).Err(); err != nil {
		zap.L().Warn("cache set failed", zap.String("key", key), zap.Error(err))
	}
}

// Delete drops the keys, used for invalidation after writes.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if c == nil || c.redis == nil || len(keys) == 0 {
		return
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		zap.L().Warn("cache delete failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
