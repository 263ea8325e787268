package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProfileCache is a Redis-backed implementation of ProfileCache.
type RedisProfileCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisProfileCache creates a new Redis-backed profile cache.
func NewRedisProfileCache(client *redis.Client, prefix string) *RedisProfileCache {
	if prefix == "" {
		prefix = "profile:"
	}
	return &RedisProfileCache{
		client: client,
		prefix: prefix,
		ttl:    ProfileCacheTTL,
	}
}

// Put stores the entry, overwriting any previous one for the same token.
func (c *RedisProfileCache) Put(ctx context.Context, token string, entry *CacheEntry) error {
	entry.CachedAt = time.Now()

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	if err := c.client.Set(ctx, c.prefix+token, jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("storing cache entry: %w", err)
	}
	return nil
}

// Take reads the entry without deleting it.
func (c *RedisProfileCache) Take(ctx context.Context, token string) (*CacheEntry, error) {
	jsonData, err := c.client.Get(ctx, c.prefix+token).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheExpired
	}
	if err != nil {
		return nil, fmt.Errorf("getting cache entry: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(jsonData, &entry); err != nil {
		return nil, fmt.Errorf("unmarshaling cache entry: %w", err)
	}

	return &entry, nil
}

// Delete invalidates the entry.
func (c *RedisProfileCache) Delete(ctx context.Context, token string) error {
	if err := c.client.Del(ctx, c.prefix+token).Err(); err != nil {
		return fmt.Errorf("deleting cache entry: %w", err)
	}
	return nil
}
