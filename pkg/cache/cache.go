// Package cache provides a bounded in-memory TTL cache with LRU eviction.
package cache

import (
	"fmt"
	"sync"
	"time"

	"smartguard/pkg/logging"
)

// Cache is a thread-safe key/value cache with per-entry expiry and LRU
// eviction once maxEntries is reached.
type Cache[V any] struct {
	logger      *logging.Logger
	entries     map[string]*cacheEntry[V]
	now         func() time.Time
	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stats       cacheStats
	maxEntries  int
	interval    time.Duration
	closeOnce   sync.Once
	mu          sync.RWMutex
}

type cacheEntry[V any] struct {
	value V

	// When this entry expires
	expiresAt time.Time

	// When this entry was last accessed (for LRU eviction)
	lastAccess time.Time
}

// cacheStats tracks cache performance metrics
type cacheStats struct {
	hits      uint64
	misses    uint64
	evictions uint64 // LRU or TTL
	sets      uint64
}

// Stats returns a copy of the current cache statistics
type Stats struct {
	Hits      uint64
	Misses    uint64
	Entries   int
	Evictions uint64
	Sets      uint64
	HitRate   float64 // hits / (hits + misses)
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now             func() time.Time
	cleanupInterval time.Duration
}

// WithClock overrides the time source used for expiry.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCleanupInterval sets how often expired entries are swept. Zero disables
// the background sweep.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.cleanupInterval = d }
}

// New creates a cache holding at most maxEntries values.
func New[V any](maxEntries int, logger *logging.Logger, opts ...Option) (*Cache[V], error) {
	if maxEntries <= 0 {
		return nil, fmt.Errorf("max_entries must be positive, got %d", maxEntries)
	}
	if logger == nil {
		logger = logging.NewDiscard()
	}

	o := options{now: time.Now, cleanupInterval: time.Minute}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		logger:      logger,
		entries:     make(map[string]*cacheEntry[V], maxEntries),
		now:         o.now,
		maxEntries:  maxEntries,
		interval:    o.cleanupInterval,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	if c.interval > 0 {
		go c.cleanupLoop()
	} else {
		close(c.cleanupDone)
	}

	return c, nil
}

// Get returns the live value stored under key.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[key]
	if !found {
		c.stats.misses++
		return zero, false
	}

	if !now.Before(entry.expiresAt) {
		delete(c.entries, key)
		c.stats.misses++
		c.stats.evictions++
		return zero, false
	}

	entry.lastAccess = now
	c.stats.hits++
	return entry.value, true
}

// Set stores value under key for ttl. A non-positive ttl removes the key.
func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	c.SetExpiring(key, value, c.now().Add(ttl))
}

// SetExpiring stores value under key until expiresAt. Values that are already
// expired are not stored and replace nothing.
func (c *Cache[V]) SetExpiring(key string, value V, expiresAt time.Time) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !now.Before(expiresAt) {
		delete(c.entries, key)
		return
	}

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLRU()
	}

	c.entries[key] = &cacheEntry[V]{
		value:      value,
		expiresAt:  expiresAt,
		lastAccess: now,
	}
	c.stats.sets++
}

// Delete removes key from the cache.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// evictLRU removes the least recently used entry
// Must be called with write lock held
func (c *Cache[V]) evictLRU() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.lastAccess.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.lastAccess
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.evictions++
		c.logger.Debug("Evicted LRU cache entry", "key", oldestKey)
	}
}

func (c *Cache[V]) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stopCleanup:
			return
		}
	}
}

// Cleanup removes all expired entries and returns how many were dropped.
func (c *Cache[V]) Cleanup() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
			removed++
		}
	}

	if removed > 0 {
		c.stats.evictions += uint64(removed)
		c.logger.Debug("Cleaned up expired cache entries", "removed", removed, "remaining", len(c.entries))
	}
	return removed
}

// Stats returns current cache statistics
func (c *Cache[V]) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	total := c.stats.hits + c.stats.misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(c.stats.hits) / float64(total)
	}

	return Stats{
		Hits:      c.stats.hits,
		Misses:    c.stats.misses,
		Entries:   len(c.entries),
		Evictions: c.stats.evictions,
		Sets:      c.stats.sets,
		HitRate:   hitRate,
	}
}

// Clear removes all entries from the cache
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry[V], c.maxEntries)
	c.logger.Debug("Cache cleared")
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache[V]) Close() error {
	c.closeOnce.Do(func() {
		if c.interval > 0 {
			close(c.stopCleanup)
		}
		<-c.cleanupDone

		stats := c.Stats()
		c.logger.Debug("Cache closed",
			"final_hits", stats.Hits,
			"final_misses", stats.Misses,
			"final_entries", stats.Entries)
	})
	return nil
}
