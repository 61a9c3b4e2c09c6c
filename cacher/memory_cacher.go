package cacher

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// MemoryCacher keeps values in process memory (go-cache) and uses a
// singleflight group so that one fetch serves every concurrent miss.
type MemoryCacher[T any] struct {
	cache *cache.Cache
	group singleflight.Group
}

// NewMemoryCacher creates an in-memory cacher. Expired items are swept every
// cleanupInterval.
func NewMemoryCacher[T any](defaultExpiration, cleanupInterval time.Duration) Cacher[T] {
	return &MemoryCacher[T]{
		cache: cache.New(defaultExpiration, cleanupInterval),
	}
}

func (c *MemoryCacher[T]) lookup(key string) (T, bool) {
	if v, ok := c.cache.Get(key); ok {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}

	var zero T
	return zero, false
}

// GetOrFetch implements Cacher.
func (c *MemoryCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	if v, ok := c.lookup(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// a concurrent flight may have filled it already
		if v, ok := c.lookup(key); ok {
			return v, nil
		}

		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		c.cache.Set(key, fetched, ttl)
		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("cacher: unexpected type for key %s", key)
	}

	return typed, nil
}

// Delete implements Cacher.
func (c *MemoryCacher[T]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Delete(key)
	return nil
}

// Clear implements Cacher.
func (c *MemoryCacher[T]) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.cache.Flush()
	return nil
}

// ItemCount implements Cacher.
func (c *MemoryCacher[T]) ItemCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	return c.cache.ItemCount(), nil
}
