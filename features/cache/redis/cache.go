// Package redis implements the durable idempotency result cache on Redis.
// Entries are stored as JSON under a prefixed key with a native Redis TTL,
// so replay windows survive worker restarts and expire without a sweeper.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"goa.design/foreman/runtime/adapter"
)

// DefaultPrefix namespaces cache keys so the idempotency cache can share a
// Redis database with the Pulse streams.
const DefaultPrefix = "foreman:action:"

type (
	// Options configures New.
	Options struct {
		// Redis is the connection backing the cache. Required.
		Redis *goredis.Client
		// Prefix namespaces the cache keys. Defaults to DefaultPrefix.
		Prefix string
	}

	// Cache stores completed action results in Redis.
	Cache struct {
		redis  *goredis.Client
		prefix string
	}
)

var _ adapter.Cache = (*Cache)(nil)

// New constructs a Redis-backed idempotency cache.
func New(opts Options) (*Cache, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	return &Cache{redis: opts.Redis, prefix: opts.Prefix}, nil
}

// Get implements adapter.Cache. A missing or expired key is a miss, not an
// error.
func (c *Cache) Get(ctx context.Context, key string) (*adapter.Entry, error) {
	raw, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	var e adapter.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry %q: %w", key, err)
	}
	return &e, nil
}

// Set implements adapter.Cache. A non-positive TTL stores the entry without
// expiry.
func (c *Cache) Set(ctx context.Context, key string, e *adapter.Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry %q: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.redis.Set(ctx, c.prefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}
