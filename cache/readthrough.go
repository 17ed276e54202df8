package cache

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"docstore/observability"
)

// Loader is the canonical read-through wrapper over a Cache for values of
// type T, encoded with msgpack. Concurrent misses on the same key coalesce
// into one producer call via single-flight.
type Loader[T any] struct {
	name    string
	cache   Cache
	logger  *zap.Logger
	metrics *observability.Metrics
	sf      singleflight.Group
}

// NewLoader creates a typed read-through wrapper. name scopes metrics and
// log lines. metrics may be nil.
func NewLoader[T any](name string, cache Cache, logger *zap.Logger, metrics *observability.Metrics) *Loader[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader[T]{
		name:    name,
		cache:   cache,
		logger:  logger.Named("cache_" + name),
		metrics: metrics,
	}
}

// GetOrLoad returns the cached value for key when present and fresh;
// otherwise it invokes produce, stores the result with the given TTL and
// returns it. A non-positive TTL disables caching entirely: produce runs and
// its fresh result is returned without touching the cache.
func (l *Loader[T]) GetOrLoad(ctx context.Context, key string, ttl time.Duration, produce func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if ttl <= 0 {
		return produce(ctx)
	}

	if v, ok := l.lookup(ctx, key); ok {
		l.metrics.CacheHit(l.name)
		return v, nil
	}
	l.metrics.CacheMiss(l.name)

	result, err, _ := l.sf.Do(key, func() (interface{}, error) {
		// Another flight may have populated the entry while we queued.
		if v, ok := l.lookup(ctx, key); ok {
			return v, nil
		}

		v, err := produce(ctx)
		if err != nil {
			return zero, err
		}

		encoded, err := msgpack.Marshal(v)
		if err != nil {
			// The value is still good; only caching is skipped.
			l.logger.Warn("failed to encode cache value", zap.String("key", key), zap.Error(err))
			return v, nil
		}
		if err := l.cache.Set(ctx, key, encoded, ttl); err != nil {
			l.logger.Warn("failed to store cache value", zap.String("key", key), zap.Error(err))
		}
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return result.(T), nil
}

// Invalidate removes keys from the underlying cache, used after mutations.
func (l *Loader[T]) Invalidate(ctx context.Context, keys ...string) error {
	return l.cache.Invalidate(ctx, keys...)
}

// lookup reads and decodes a cached entry. Undecodable entries are dropped
// and reported as misses.
func (l *Loader[T]) lookup(ctx context.Context, key string) (T, bool) {
	var v T
	raw, ok, err := l.cache.Get(ctx, key)
	if err != nil {
		l.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return v, false
	}
	if !ok {
		return v, false
	}
	if err := msgpack.Unmarshal(raw, &v); err != nil {
		l.logger.Warn("dropping undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = l.cache.Invalidate(ctx, key)
		return v, false
	}
	return v, true
}
