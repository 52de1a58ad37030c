package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultMaxPerSource bounds the hot cache depth per log source.
const DefaultMaxPerSource = 500

// cacheTTL is how long a source's recent-lines list survives without new
// writes.
const cacheTTL = time.Hour

// HotCache holds the most recent raw lines per log source, newest first.
type HotCache interface {
	Append(ctx context.Context, source, line string) error
	Recent(ctx context.Context, source string, n int) ([]string, error)
}

// RedisCache is the shared HotCache for multi-instance dashboards. Each
// source maps to a capped Redis list refreshed with a TTL on every
// append.
type RedisCache struct {
	rdb *redis.Client
	max int
}

// NewRedisCache builds a RedisCache. maxPerSource ≤ 0 uses
// DefaultMaxPerSource.
func NewRedisCache(rdb *redis.Client, maxPerSource int) *RedisCache {
	if maxPerSource <= 0 {
		maxPerSource = DefaultMaxPerSource
	}
	return &RedisCache{rdb: rdb, max: maxPerSource}
}

func cacheKey(source string) string { return "live:" + source }

// Append pushes line to the front of the source's list, trims it to the
// cap, and refreshes the TTL. The three commands travel in one pipeline.
func (c *RedisCache) Append(ctx context.Context, source, line string) error {
	pipe := c.rdb.Pipeline()
	key := cacheKey(source)
	pipe.LPush(ctx, key, line)
	pipe.LTrim(ctx, key, 0, int64(c.max-1))
	pipe.Expire(ctx, key, cacheTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hot cache append %s: %w", source, err)
	}
	return nil
}

// Recent returns up to n newest lines for source, newest first.
func (c *RedisCache) Recent(ctx context.Context, source string, n int) ([]string, error) {
	if n <= 0 || n > c.max {
		n = c.max
	}
	lines, err := c.rdb.LRange(ctx, cacheKey(source), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("hot cache read %s: %w", source, err)
	}
	return lines, nil
}

type memEntry struct {
	line string
	at   time.Time
}

// MemoryCache is the single-instance fallback used when no Redis address
// is configured. Semantics match RedisCache: newest first, capped per
// source, entries expire after cacheTTL.
type MemoryCache struct {
	mu      sync.Mutex
	max     int
	entries map[string][]memEntry
	now     func() time.Time
}

// NewMemoryCache builds a MemoryCache. maxPerSource ≤ 0 uses
// DefaultMaxPerSource.
func NewMemoryCache(maxPerSource int) *MemoryCache {
	if maxPerSource <= 0 {
		maxPerSource = DefaultMaxPerSource
	}
	return &MemoryCache{
		max:     maxPerSource,
		entries: make(map[string][]memEntry),
		now:     time.Now,
	}
}

// Append prepends line to the source's list and drops the oldest entry
// past the cap.
func (c *MemoryCache) Append(_ context.Context, source, line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := append([]memEntry{{line: line, at: c.now()}}, c.entries[source]...)
	if len(list) > c.max {
		list = list[:c.max]
	}
	c.entries[source] = list
	return nil
}

// Recent returns up to n unexpired lines for source, newest first.
func (c *MemoryCache) Recent(_ context.Context, source string, n int) ([]string, error) {
	if n <= 0 || n > c.max {
		n = c.max
	}
	cutoff := c.now().Add(-cacheTTL)

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.entries[source] {
		if e.at.Before(cutoff) {
			break // entries are newest first; everything past here expired
		}
		out = append(out, e.line)
		if len(out) == n {
			break
		}
	}
	return out, nil
}
