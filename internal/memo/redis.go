package memo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// Redis keeps each job's stage outputs in one hash, memo:{jobID}, with the
// stage name as field.
type Redis struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis returns a Redis-backed memo. The whole hash expires ttl after the
// last save.
func NewRedis(client *goredis.Client, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "bookmarkd"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Load decodes the saved output of step into dest.
func (r *Redis) Load(ctx context.Context, jobID string, step bookmark.Step, dest any) (bool, error) {
	data, err := r.client.HGet(ctx, r.key(jobID), string(step)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hget memo %s/%s: %w", jobID, step, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("decode memo %s/%s: %w", jobID, step, err)
	}
	return true, nil
}

// Save stores value as the output of step.
func (r *Redis) Save(ctx context.Context, jobID string, step bookmark.Step, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode memo %s/%s: %w", jobID, step, err)
	}
	key := r.key(jobID)
	_, err = r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, string(step), data)
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save memo %s/%s: %w", jobID, step, err)
	}
	return nil
}

// Forget drops every saved step for jobID.
func (r *Redis) Forget(ctx context.Context, jobID string) error {
	if err := r.client.Del(ctx, r.key(jobID)).Err(); err != nil {
		return fmt.Errorf("forget memo %s: %w", jobID, err)
	}
	return nil
}

func (r *Redis) key(jobID string) string {
	return r.prefix + ":memo:" + jobID
}
