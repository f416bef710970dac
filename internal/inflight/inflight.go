// Package inflight guards (user, url) pairs so only one pipeline run per
// resource is active at a time. Keys carry a TTL so a crashed worker cannot
// block resubmission forever.
package inflight

import (
	"context"
	"sync"
	"time"
)

// Key builds the guard key for a submission. URLs are compared exactly.
func Key(userID, url string) string {
	return userID + "|" + url
}

// Memory is an in-process bookmark.InFlight.
type Memory struct {
	mu   sync.Mutex
	now  func() time.Time
	held map[string]time.Time
}

// NewMemory returns an empty guard set.
func NewMemory() *Memory {
	return &Memory{now: time.Now, held: make(map[string]time.Time)}
}

// Acquire takes key for ttl and returns false when it is already held.
func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if expires, ok := m.held[key]; ok && (expires.IsZero() || now.Before(expires)) {
		return false, nil
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	m.held[key] = expires
	return true, nil
}

// Release frees key.
func (m *Memory) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.held, key)
	m.mu.Unlock()
	return nil
}
