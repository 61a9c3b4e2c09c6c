package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	lockTTL     = 30 * time.Second
	waitTimeout = 30 * time.Second
	maxBackoff  = 500 * time.Millisecond
)

var errFetchAbandoned = errors.New("cacher: concurrent fetch finished without a value")

// releaseScript deletes the lock only while we still own it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// redisCacher stores JSON-encoded values in Redis under a namespace prefix.
// A SET NX lock per key lets one process fetch while others poll.
type redisCacher[T any] struct {
	client *redis.Client
	prefix string
}

// NewRedisCacher returns a Cacher backed by client. Every key is stored as
// prefix+key, and Clear/ItemCount only touch that namespace, so several
// services can share one database.
func NewRedisCacher[T any](client *redis.Client, prefix string) Cacher[T] {
	return &redisCacher[T]{client: client, prefix: prefix}
}

func (c *redisCacher[T]) get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	raw, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}

	if err != nil {
		return zero, false, fmt.Errorf("cacher: redis get: %w", err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("cacher: decode %s: %w", key, err)
	}

	return v, true, nil
}

// GetOrFetch implements Cacher.
func (c *redisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	full := c.prefix + key

	if v, ok, err := c.get(ctx, full); err != nil || ok {
		return v, err
	}

	lockKey := full + ":lock"
	token := uuid.NewString()
	acquired, err := c.client.SetNX(ctx, lockKey, token, lockTTL).Result()
	if err != nil {
		return zero, fmt.Errorf("cacher: acquire lock: %w", err)
	}

	if !acquired {
		return c.wait(ctx, full, lockKey)
	}

	defer releaseScript.Run(context.Background(), c.client, []string{lockKey}, token)

	v, err := fetchFn(ctx)
	if err != nil {
		return zero, err
	}

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("cacher: encode %s: %w", key, err)
	}

	if err := c.client.Set(ctx, full, data, ttl).Err(); err != nil {
		return zero, fmt.Errorf("cacher: redis set: %w", err)
	}

	return v, nil
}

// wait polls with exponential backoff until the lock holder stores a value,
// gives up, or the deadline passes.
func (c *redisCacher[T]) wait(ctx context.Context, key, lockKey string) (T, error) {
	var zero T
	backoff := 10 * time.Millisecond
	deadline := time.Now().Add(waitTimeout)

	for time.Now().Before(deadline) {
		if v, ok, err := c.get(ctx, key); err != nil || ok {
			return v, err
		}

		held, err := c.client.Exists(ctx, lockKey).Result()
		if err != nil {
			return zero, fmt.Errorf("cacher: check lock: %w", err)
		}

		if held == 0 {
			if v, ok, err := c.get(ctx, key); err != nil || ok {
				return v, err
			}

			return zero, errFetchAbandoned
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}

		backoff = min(backoff*2, maxBackoff)
	}

	return zero, fmt.Errorf("cacher: timed out waiting for %s", key)
}

// Delete implements Cacher.
func (c *redisCacher[T]) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cacher: redis del: %w", err)
	}

	return nil
}

func (c *redisCacher[T]) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("cacher: redis scan: %w", err)
	}

	return keys, nil
}

// Clear implements Cacher.
func (c *redisCacher[T]) Clear(ctx context.Context) error {
	keys, err := c.keys(ctx)
	if err != nil || len(keys) == 0 {
		return err
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cacher: redis del: %w", err)
	}

	return nil
}

// ItemCount implements Cacher.
func (c *redisCacher[T]) ItemCount(ctx context.Context) (int, error) {
	keys, err := c.keys(ctx)
	return len(keys), err
}
