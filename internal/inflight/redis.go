package inflight

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Redis holds guards as keys written with SET NX PX.
type Redis struct {
	client *goredis.Client
	prefix string
}

// NewRedis returns a Redis-backed guard set.
func NewRedis(client *goredis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "bookmarkd"
	}
	return &Redis{client: client, prefix: prefix}
}

// Acquire takes key for ttl and returns false when it is already held.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.key(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx inflight: %w", err)
	}
	return ok, nil
}

// Release frees key.
func (r *Redis) Release(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.key(key)).Err(); err != nil {
		return fmt.Errorf("del inflight: %w", err)
	}
	return nil
}

func (r *Redis) key(key string) string {
	return r.prefix + ":inflight:" + key
}
