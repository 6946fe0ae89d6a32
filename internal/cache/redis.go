package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is the shared counter store. It is only ever reached through Dual,
// which enforces localOnly; the flags on the methods here are ignored.
type Redis struct {
	client *redis.Client
}

// RedisOptions configures the shared store connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis connects a shared store and verifies connectivity.
func NewRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

// NewRedisFromClient wraps an existing client. Used by tests with miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get returns the value for key, or (nil, nil) on miss.
func (r *Redis) Get(ctx context.Context, key string, _ bool) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, nil
}

// BatchGet MGETs all non-empty keys and returns values positionally.
func (r *Redis) BatchGet(ctx context.Context, keys []string) ([][]byte, error) {
	out := make([][]byte, len(keys))

	// MGET rejects empty key lists; map the non-empty keys to their slots.
	slots := make([]int, 0, len(keys))
	args := make([]string, 0, len(keys))
	for i, k := range keys {
		if k == "" {
			continue
		}
		slots = append(slots, i)
		args = append(args, k)
	}
	if len(args) == 0 {
		return out, nil
	}

	vals, err := r.client.MGet(ctx, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	for j, v := range vals {
		if s, ok := v.(string); ok {
			out[slots[j]] = []byte(s)
		}
	}
	return out, nil
}

// Set stores a value with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, val []byte, ttl time.Duration, _ bool) error {
	if err := r.client.Set(ctx, key, val, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// BatchSet pipelines one SET per item with the shared TTL.
func (r *Redis) BatchSet(ctx context.Context, items []Item, ttl time.Duration) error {
	pipe := r.client.Pipeline()
	for _, it := range items {
		if it.Key == "" {
			continue
		}
		pipe.Set(ctx, it.Key, it.Val, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis batch set: %w", err)
	}
	return nil
}

// Increment atomically adds delta to the integer at key.
func (r *Redis) Increment(ctx context.Context, key string, delta int64, _ bool) (int64, error) {
	n, err := r.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incrby %q: %w", key, err)
	}
	return n, nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}
