package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/anthropics/feishu-relay/internal/infra/metrics"
)

// Cache is a thread-safe in-memory TTL store.
// Expired entries are dropped lazily on access and by Prune.
type Cache struct {
	mu    sync.RWMutex
	items map[string]entry
	now   func() time.Time

	hits           atomic.Int64
	misses         atomic.Int64
	rateLimitSaved atomic.Int64
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Stats is a snapshot of cache counters
type Stats struct {
	Entries        int   `json:"entries"`
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	RateLimitSaved int64 `json:"rate_limit_saved"`
}

// New creates an empty cache
func New() *Cache {
	return NewWithClock(time.Now)
}

// NewWithClock creates a cache that reads time from now
func NewWithClock(now func() time.Time) *Cache {
	return &Cache{
		items: make(map[string]entry),
		now:   now,
	}
}

// Set stores value under key for ttl
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{value: value, expiresAt: c.now().Add(ttl)}
}

// Get returns the value for key if it has not expired.
// A value set with TTL t is visible strictly before t has elapsed.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.items[key]
	c.mu.RUnlock()

	if ok && c.now().Before(e.expiresAt) {
		c.hits.Add(1)
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return e.value, true
	}

	if ok {
		c.mu.Lock()
		// re-check under the write lock; a concurrent Set may have refreshed it
		if cur, still := c.items[key]; still && !c.now().Before(cur.expiresAt) {
			delete(c.items, key)
		}
		c.mu.Unlock()
	}
	c.misses.Add(1)
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return nil, false
}

// Delete removes key
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// RecordSaved counts a platform lookup avoided by a cache hit
func (c *Cache) RecordSaved() {
	c.rateLimitSaved.Add(1)
	metrics.CacheRateLimitSaved.Inc()
}

// Prune drops every expired entry and returns how many were removed
func (c *Cache) Prune() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// Stats returns current counters
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	n := len(c.items)
	c.mu.RUnlock()

	return Stats{
		Entries:        n,
		Hits:           c.hits.Load(),
		Misses:         c.misses.Load(),
		RateLimitSaved: c.rateLimitSaved.Load(),
	}
}
