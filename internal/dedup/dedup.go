package dedup

import (
	"context"
	"sync"
	"time"
)

// Cache stores suppression markers. Expiry is always evaluated against the
// caller-supplied now so suppression logic stays independent of wall-clock time.
type Cache interface {
	Get(ctx context.Context, key string, now time.Time) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration, now time.Time) error
}

// Purger is implemented by caches that hold expired entries until swept.
type Purger interface {
	Purge(now time.Time) int
}

// Entry is a cached value together with its absolute expiry.
type Entry struct {
	Value     string    `json:"v"`
	ExpiresAt time.Time `json:"exp"`
}

// Live reports whether the entry is still valid at now.
func (e Entry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewMemory returns an empty in-memory cache.
func NewMemory() *MemoryCache {
	return &MemoryCache{entries: make(map[string]Entry)}
}

// Get returns the live value for key; expired entries are evicted on read.
func (c *MemoryCache) Get(_ context.Context, key string, now time.Time) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !entry.Live(now) {
		delete(c.entries, key)
		return "", false, nil
	}
	return entry.Value, true, nil
}

// Set stores value until now+ttl. A non-positive ttl removes the key.
func (c *MemoryCache) Set(_ context.Context, key, value string, ttl time.Duration, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		delete(c.entries, key)
		return nil
	}
	c.entries[key] = Entry{Value: value, ExpiresAt: now.Add(ttl)}
	return nil
}

// Purge drops every entry expired at now and returns how many were removed.
func (c *MemoryCache) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if !entry.Live(now) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, live or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

var _ Cache = (*MemoryCache)(nil)
