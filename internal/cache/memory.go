package cache

import (
	"context"
	"sync"
	"time"
)

const (
	// sweepEvery is how often the janitor scans the map for dead entries.
	sweepEvery = time.Minute

	// fallbackTTL applies when a caller passes a non-positive ttl.
	fallbackTTL = 5 * time.Minute
)

// memEntry is one cached value plus its expiry deadline in unix nanos.
type memEntry struct {
	value    []byte
	deadline int64
}

func (e memEntry) dead(now int64) bool { return now > e.deadline }

// MemoryCache is the in-process Cache backend. Reads evict dead entries
// lazily; a janitor goroutine sweeps the rest so the map cannot grow without
// bound between accesses. Single-replica only — multi-replica deployments
// want RedisCache so every instance sees the same snapshots.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	stop    chan struct{}
}

// NewMemoryCache builds the cache and starts its janitor. The janitor exits
// when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memEntry),
		stop:    make(chan struct{}),
	}
	go c.janitor(ctx)
	return c
}

// Get returns the value for key, or (nil, false) on a miss. A dead entry
// counts as a miss and is removed on the spot.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if e.dead(time.Now().UnixNano()) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl. Non-positive ttl gets fallbackTTL
// rather than instant expiry.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = fallbackTTL
	}
	e := memEntry{value: value, deadline: time.Now().Add(ttl).UnixNano()}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is a no-op.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// Len reports the entry count, dead entries not yet swept included.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the janitor. The cache stays usable afterwards; only the
// background sweeping ends.
func (c *MemoryCache) Close() {
	close(c.stop)
}

func (c *MemoryCache) janitor(ctx context.Context) {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			c.sweep(time.Now().UnixNano())
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		}
	}
}

func (c *MemoryCache) sweep(now int64) {
	c.mu.Lock()
	for k, e := range c.entries {
		if e.dead(now) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
