// Package cache holds short-lived file listings so repeated list requests do
// not hit the storage service. Key handles and plaintext are never cached.
package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Entry is a cached file listing.
type Entry struct {
	Files     []string
	StoredAt  time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// ListingCache caches file listings per storage namespace.
type ListingCache interface {
	// Get returns a copy of the cached listing for namespace.
	Get(ctx context.Context, namespace string) ([]string, bool)

	// Set stores files for namespace. A zero ttl uses the default.
	Set(ctx context.Context, namespace string, files []string, ttl time.Duration)

	// Invalidate drops the listing for namespace.
	Invalidate(ctx context.Context, namespace string)

	// Clear drops every listing.
	Clear(ctx context.Context)

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	maxItems int
	ttl      time.Duration
	stats    Stats
}

// NewMemoryCache creates an in-memory listing cache.
func NewMemoryCache(maxItems int, defaultTTL time.Duration) ListingCache {
	if maxItems <= 0 {
		maxItems = 1
	}
	return &memoryCache{
		entries:  make(map[string]*Entry),
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

func (c *memoryCache) Get(ctx context.Context, namespace string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[namespace]
	if !ok || entry.IsExpired() {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return append([]string(nil), entry.Files...), true
}

func (c *memoryCache) Set(ctx context.Context, namespace string, files []string, ttl time.Duration) {
	if ttl == 0 {
		ttl = c.ttl
	}
	now := time.Now()
	entry := &Entry{
		Files:     append([]string(nil), files...),
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked()
	if _, exists := c.entries[namespace]; !exists && len(c.entries) >= c.maxItems {
		c.evictOldestLocked()
	}
	c.entries[namespace] = entry
}

func (c *memoryCache) Invalidate(ctx context.Context, namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, namespace)
}

func (c *memoryCache) Clear(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.stats = Stats{}
}

func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Items = len(c.entries)
	return stats
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked() {
	for key, entry := range c.entries {
		if entry.IsExpired() {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
}

// evictOldestLocked removes the entry stored first (must be called with lock held).
func (c *memoryCache) evictOldestLocked() {
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return c.entries[keys[i]].StoredAt.Before(c.entries[keys[j]].StoredAt)
	})
	if len(keys) > 0 {
		delete(c.entries, keys[0])
		c.stats.Evictions++
	}
}
