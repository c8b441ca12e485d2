// Package cache wires an optional Redis-backed cache used in two purely
// advisory ways: as a layer in front of the Event Source's dedupe window, and
// as a store for a copy of each reloaded configuration (the Config Store's
// Current never reads it). Nothing treats it as load-bearing — a nil
// *Cache, a connection error, or a cache miss all fall through to the
// in-memory path that already exists for correctness.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
)

// Cache wraps a single go-redis client scoped to one key prefix.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New parses rawURL and dials lazily (go-redis connects on first command).
// An empty rawURL is a caller error, not a "disabled" signal — callers
// decide whether to construct a Cache at all based on cfg.Redis.
func New(rawURL, keyPrefix string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: redis.NewClient(opts), prefix: keyPrefix, ttl: ttl}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// SeenRecently reports whether key was already recorded within the TTL
// window, recording it if not. Implements chain.DedupeCache.
func (c *Cache) SeenRecently(ctx context.Context, key string) (bool, error) {
	set, err := c.client.SetNX(ctx, c.prefix+"dedupe:"+key, 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// StoreConfigSnapshot best-effort caches the latest validated configuration,
// so a cold-starting peer (or a future multi-process deployment) can read a
// recent snapshot without waiting on its own file watch.
func (c *Cache) StoreConfigSnapshot(ctx context.Context, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+"config:current", b, c.ttl).Err()
}

// LoadConfigSnapshot reports whether a cached snapshot existed and, if so,
// unmarshals it into v.
func (c *Cache) LoadConfigSnapshot(ctx context.Context, v interface{}) (bool, error) {
	b, err := c.client.Get(ctx, c.prefix+"config:current").Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, v)
}
