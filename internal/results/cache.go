package results

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultTTL bounds staleness even if an invalidation is lost.
const DefaultTTL = 5 * time.Minute

// Cache stores computed results keyed by entity. Misses are normal; the
// caller recomputes and repopulates.
type Cache interface {
	Get(ctx context.Context, key string) (*VerificationResult, bool)
	Set(ctx context.Context, key string, result *VerificationResult)
	Invalidate(ctx context.Context, keys ...string)
}

// RedisCache backs the result cache with Redis. All operations are
// best-effort: a Redis failure degrades to a miss, never an error.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisCache connects the cache to Redis.
func NewRedisCache(client *redis.Client, logger *slog.Logger) *RedisCache {
	return &RedisCache{client: client, ttl: DefaultTTL, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, key string) (*VerificationResult, bool) {
	raw, err := c.client.Get(ctx, cacheKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Warn("result cache read failed", "key", key, "error", err)
		return nil, false
	}
	var r VerificationResult
	if err := json.Unmarshal(raw, &r); err != nil {
		c.logger.Warn("result cache entry corrupt, dropping", "key", key, "error", err)
		c.client.Del(ctx, cacheKey(key))
		return nil, false
	}
	return &r, true
}

func (c *RedisCache) Set(ctx context.Context, key string, result *VerificationResult) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.logger.Warn("result cache encode failed", "key", key, "error", err)
		return
	}
	if err := c.client.Set(ctx, cacheKey(key), raw, c.ttl).Err(); err != nil {
		c.logger.Warn("result cache write failed", "key", key, "error", err)
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = cacheKey(k)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		c.logger.Warn("result cache invalidation failed", "keys", keys, "error", err)
	}
}

func cacheKey(key string) string { return "kvitton:results:" + key }

// MemoryCache is the in-process fallback when Redis is not configured.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	result    *VerificationResult
	expiresAt time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), ttl: DefaultTTL}
}

func (c *MemoryCache) Get(_ context.Context, key string) (*VerificationResult, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	cp := *entry.result
	return &cp, true
}

func (c *MemoryCache) Set(_ context.Context, key string, result *VerificationResult) {
	cp := *result
	c.mu.Lock()
	c.entries[key] = memoryEntry{result: &cp, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(_ context.Context, keys ...string) {
	c.mu.Lock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	c.mu.Unlock()
}
