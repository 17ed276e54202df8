// Package cache provides the TTL cache fronting expensive reads: a volatile
// in-process variant and a SQLite-persisted variant satisfying the same
// contract, plus a typed read-through wrapper that coalesces concurrent
// misses.
package cache

import (
	"context"
	"time"
)

// Cache is the contract shared by the volatile and persisted variants.
// Values are opaque bytes; the read-through wrapper owns encoding.
type Cache interface {
	// Get returns the value for key, reporting a miss when the key is
	// absent or its entry has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key with the given TTL, overwriting any prior
	// entry. A non-positive TTL is rejected by callers before reaching the
	// cache (see Loader.GetOrLoad).
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Invalidate removes the given keys. Missing keys are ignored.
	Invalidate(ctx context.Context, keys ...string) error

	// Stats reports administrative counters. The persisted variant iterates
	// its full table to count live entries.
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources held by the cache.
	Close() error
}

// Stats are the administrative counters exposed by a cache.
type Stats struct {
	Entries int64 `json:"entries"`
	Expired int64 `json:"expired"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}
