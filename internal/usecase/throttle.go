package usecase

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Counter abstracts the Redis operations used by the frame throttle to make
// testing easier.
type Counter interface {
	// Incr increments key and returns the new value. The key expires after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// RedisCounter is a concrete implementation backed by go-redis.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter constructs a new Redis-backed counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

// Incr runs INCR and EXPIRE in one transaction.
func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
