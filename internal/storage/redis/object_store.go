// Package redis stores objects as Redis string values. Update uses
// WATCH/MULTI so concurrent writers to one key never lose updates silently.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// ObjectStore keeps each object under prefix + ":" + key.
type ObjectStore struct {
	client *goredis.Client
	prefix string
}

// New wraps an existing client. An empty prefix defaults to "bookmarkd".
func New(client *goredis.Client, prefix string) (*ObjectStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix = strings.Trim(prefix, ":/ ")
	if prefix == "" {
		prefix = "bookmarkd"
	}
	return &ObjectStore{client: client, prefix: prefix}, nil
}

// Read returns the value stored at key.
func (s *ObjectStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("read %s: %w", key, bookmark.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Write replaces the value stored at key. Objects never expire.
func (s *ObjectStore) Write(ctx context.Context, key string, _ string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Update runs fn inside a WATCH on key. A concurrent modification aborts the
// transaction and is reported as bookmark.ErrVersionConflict.
func (s *ObjectStore) Update(
	ctx context.Context,
	key string,
	_ string,
	fn func([]byte) ([]byte, error),
) error {
	full := s.key(key)
	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, full).Bytes()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("get %s: %w", key, err)
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, full, next, 0)
			return nil
		})
		return err
	}, full)
	if errors.Is(err, goredis.TxFailedErr) {
		return fmt.Errorf("update %s: %w", key, bookmark.ErrVersionConflict)
	}
	return err
}

func (s *ObjectStore) key(key string) string {
	return s.prefix + ":" + key
}
