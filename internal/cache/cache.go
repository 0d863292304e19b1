// Package cache provides the key/value cache tier shared by the catalog and
// other subsystems that persist soft state across process restarts.
//
// Two backends are available:
//   - RedisCache  — backed by the CACHE_URL redis instance, recommended for
//     multi-replica deployments so every replica sees the same snapshots.
//   - MemoryCache — in-process TTL cache, zero external dependencies. Used
//     when no CACHE_URL is configured and in tests.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

// Cache is a byte-oriented KV store with per-entry TTL.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
