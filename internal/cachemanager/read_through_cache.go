package cachemanager

import (
	"context"
	"time"
)

// Loader fetches the value for key from the backing source.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// ReadThroughCache answers from cache when possible and otherwise loads from
// the backing source, storing the result for ttl.
type ReadThroughCache[K comparable, V any] struct {
	cache     CacheManager[K, V]
	load      Loader[K, V]
	ttl       time.Duration
	skipCache bool
}

// NewReadThroughCache wires a cache in front of load. When skipCache is true
// every call goes to the loader.
func NewReadThroughCache[K comparable, V any](cache CacheManager[K, V], load Loader[K, V], ttl time.Duration, skipCache bool) *ReadThroughCache[K, V] {
	return &ReadThroughCache[K, V]{
		cache:     cache,
		load:      load,
		ttl:       ttl,
		skipCache: skipCache,
	}
}

// Get returns the cached value or loads and caches it. Loader errors are
// returned unchanged and nothing is cached.
func (r *ReadThroughCache[K, V]) Get(ctx context.Context, key K) (V, error) {
	if r.skipCache {
		return r.load(ctx, key)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.load(ctx, key)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, r.ttl)

	return value, nil
}

// Invalidate drops key so the next Get reloads it.
func (r *ReadThroughCache[K, V]) Invalidate(ctx context.Context, key K) {
	_ = r.cache.Delete(ctx, key)
}
