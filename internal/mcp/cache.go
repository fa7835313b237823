package mcp

import (
	"sync"
	"time"
)

// toolCache holds the tool definitions discovered from the gateway.
// The snapshot map is built fully before being swapped in, so readers never
// observe a partially-written cache; replacement is last-write-wins.
// Thread-safe with sync.RWMutex.
type toolCache struct {
	mu        sync.RWMutex
	enabled   bool
	ttl       time.Duration
	tools     map[string]*ToolDefinition
	fetchedAt time.Time
	now       func() time.Time // injectable clock for testing
}

// newToolCache creates a cache with the given TTL. A disabled cache never
// reports itself valid, forcing a discovery call on every listing.
func newToolCache(enabled bool, ttl time.Duration) *toolCache {
	return &toolCache{
		enabled: enabled,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Replace swaps in a freshly-built snapshot and stamps the fetch time.
func (c *toolCache) Replace(tools []*ToolDefinition) {
	snapshot := make(map[string]*ToolDefinition, len(tools))
	for _, t := range tools {
		snapshot[t.Name] = t
	}

	c.mu.Lock()
	c.tools = snapshot
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

// Get returns the cached definition for name, if present.
func (c *toolCache) Get(name string) (*ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// Snapshot returns all cached definitions.
func (c *toolCache) Snapshot() []*ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	return out
}

// Len returns the number of cached definitions.
func (c *toolCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tools)
}

// Valid reports whether the cache may serve a listing: caching enabled, the
// cache is non-empty, and its age is strictly under the TTL.
func (c *toolCache) Valid() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.enabled || len(c.tools) == 0 || c.fetchedAt.IsZero() {
		return false
	}
	return c.now().Sub(c.fetchedAt) < c.ttl
}

// Clear drops the snapshot and fetch time.
func (c *toolCache) Clear() {
	c.mu.Lock()
	c.tools = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}
