// Package cache provides the persistent byte cache behind the in-memory
// manifest and central directory caches.
//
// Implementations:
//   - [FileCache]: JSON envelope files under a directory, for the CLI
//   - [RedisCache]: a shared Redis instance, for several tile servers
//   - [NullCache]: stores nothing; persistence disabled
//
// Keys come from a [Keyer] so that every implementation sees the same key
// space. Values are opaque bytes with an optional TTL.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values by key.
//
// Get reports (nil, false, nil) on a miss; an error means the backend
// itself failed. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}
