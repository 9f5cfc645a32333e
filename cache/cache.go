// Package cache implements the bounded, time-limited result cache that sits
// in front of read queries.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/tobilg/caddyserver-dbgate-module/metrics"
	"go.uber.org/zap"
)

const (
	DefaultMaxSize       = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// Config configures a Cache.
type Config struct {
	MaxSize       int
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type entry[V any] struct {
	preimage  string
	value     V
	createdAt time.Time
	ttl       time.Duration
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// cloner is implemented by values that hand out independent copies.
type cloner[V any] interface {
	Clone() V
}

// Cache maps (query, params) pairs to results. Entries are ordered by
// creation time; lookups never change that order.
type Cache[V any] struct {
	mu      sync.Mutex
	lru     *simplelru.LRU[Key, *entry[V]]
	maxSize int
	ttl     time.Duration
	sweep   time.Duration
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a cache. Zero config fields take their defaults.
func New[V any](cfg Config) *Cache[V] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	// Capacity is enforced by Set before insertion, so the LRU's own
	// eviction never fires.
	lru, _ := simplelru.NewLRU[Key, *entry[V]](cfg.MaxSize+1, nil)

	return &Cache[V]{
		lru:     lru,
		maxSize: cfg.MaxSize,
		ttl:     cfg.TTL,
		sweep:   cfg.SweepInterval,
		now:     cfg.Now,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		stop:    make(chan struct{}),
	}
}

// Get returns the cached value for query and params. Expired entries are
// dropped and reported as misses.
func (c *Cache[V]) Get(query string, params []any) (V, bool) {
	key, _ := deriveKey(query, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Peek(key)
	if !ok {
		c.metrics.CacheMiss()
		return zero, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(key)
		c.metrics.CacheMiss()
		c.metrics.CacheEvicted("expired", 1)
		c.metrics.CacheSize(c.lru.Len())
		return zero, false
	}
	c.metrics.CacheHit()
	return clone(e.value), true
}

// Set stores value under query and params. A ttl of zero or less uses the
// cache default. When the cache is full and the key is new, the entry with
// the oldest creation time is evicted first.
func (c *Cache[V]) Set(query string, value V, params []any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	key, preimage := deriveKey(query, params)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lru.Contains(key) && c.lru.Len() >= c.maxSize {
		if _, old, ok := c.lru.RemoveOldest(); ok {
			c.metrics.CacheEvicted("capacity", 1)
			c.logger.Debug("evicted oldest cache entry",
				zap.Time("created_at", old.createdAt),
			)
		}
	}

	// Add on an existing key moves it to the newest position, matching
	// the reset creation time.
	c.lru.Add(key, &entry[V]{
		preimage:  preimage,
		value:     clone(value),
		createdAt: c.now(),
		ttl:       ttl,
	})
	c.metrics.CacheSize(c.lru.Len())
}

// Invalidate removes every entry whose pre-image contains pattern. An empty
// pattern clears the cache. It returns the number of entries removed.
func (c *Cache[V]) Invalidate(pattern string) int {
	if pattern == "" {
		return c.Clear()
	}
	return c.removeWhere("invalidated", func(e *entry[V]) bool {
		return strings.Contains(e.preimage, pattern)
	})
}

// InvalidateTable removes every entry that mentions table, ignoring case.
func (c *Cache[V]) InvalidateTable(table string) int {
	if table == "" {
		return 0
	}
	needle := strings.ToLower(table)
	return c.removeWhere("invalidated", func(e *entry[V]) bool {
		return strings.Contains(strings.ToLower(e.preimage), needle)
	})
}

// Clear removes every entry.
func (c *Cache[V]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.lru.Len()
	c.lru.Purge()
	c.metrics.CacheEvicted("invalidated", n)
	c.metrics.CacheSize(0)
	return n
}

// Sweep removes expired entries in a single pass.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	n := c.removeWhere("expired", func(e *entry[V]) bool { return e.expired(now) })
	if n > 0 {
		c.logger.Debug("swept expired cache entries", zap.Int("removed", n))
	}
	return n
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Start runs the periodic sweeper until ctx is done or Close is called.
func (c *Cache[V]) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Close stops a sweeper started with Start. Calling Close without Start,
// or more than once, is safe.
func (c *Cache[V]) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Cache[V]) removeWhere(reason string, match func(*entry[V]) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if ok && match(e) {
			c.lru.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.metrics.CacheEvicted(reason, removed)
		c.metrics.CacheSize(c.lru.Len())
	}
	return removed
}

func clone[V any](v V) V {
	if c, ok := any(v).(cloner[V]); ok {
		return c.Clone()
	}
	return v
}
