package translate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCacheTTL is how long translations stay cached.
const DefaultCacheTTL = 24 * time.Hour

// Cache stores translations in Redis.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits   atomic.Uint64
	misses atomic.Uint64
	errors atomic.Uint64
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Errors uint64 `json:"errors"`
}

// NewCache wraps client. A non-positive ttl uses DefaultCacheTTL.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		client: client,
		prefix: "translate:",
		ttl:    ttl,
	}
}

// NewCacheFromURL connects to a redis:// URL and checks the connection.
func NewCacheFromURL(ctx context.Context, url string, ttl time.Duration) (*Cache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewCache(client, ttl), nil
}

// Key builds the cache key for a translation request.
func (c *Cache) Key(text, source, target string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + source + ":" + target + ":" + hex.EncodeToString(sum[:])
}

// Get returns a cached result and whether it was found.
func (c *Cache) Get(ctx context.Context, key string) (Result, bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			return Result{}, false, nil
		}
		c.errors.Add(1)
		return Result{}, false, fmt.Errorf("cache get: %w", err)
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		c.errors.Add(1)
		return Result{}, false, fmt.Errorf("cache decode: %w", err)
	}
	c.hits.Add(1)
	return res, true, nil
}

// Set stores res under key with the cache TTL.
func (c *Cache) Set(ctx context.Context, key string, res Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Errors: c.errors.Load(),
	}
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
