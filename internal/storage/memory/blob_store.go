// Package memory stores objects in-process. It is not durable and is meant for
// development and tests only.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// BlobStore keeps objects in a map guarded by a mutex.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// Read returns a copy of the object stored at key.
func (s *BlobStore) Read(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("read %s: %w", key, bookmark.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Write replaces the object stored at key.
func (s *BlobStore) Write(_ context.Context, key string, _ string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// Update runs fn under the write lock, so it never conflicts.
func (s *BlobStore) Update(_ context.Context, key string, _ string, fn func([]byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var current []byte
	if existing, ok := s.data[key]; ok {
		current = append([]byte(nil), existing...)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	s.data[key] = append([]byte(nil), next...)
	return nil
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
