// Package cacher provides read-through caches used to memoize slow lookups
// such as name resolution. Concurrent misses for one key run a single fetch.
package cacher

import (
	"context"
	"time"
)

// FetchFunc produces the value for a missing key.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher is a read-through cache. Implementations are safe for concurrent
// use and collapse concurrent misses for the same key into one fetch.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or runs fetchFn, stores
	// its result for ttl and returns it. Fetch errors are not cached.
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)

	// Delete drops key.
	Delete(ctx context.Context, key string) error

	// Clear drops every key owned by this cacher.
	Clear(ctx context.Context) error

	// ItemCount returns the number of keys owned by this cacher.
	ItemCount(ctx context.Context) (int, error)
}
