// Package memo records completed stage outputs per job so a retried job can
// skip stages it already finished.
package memo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/bookmark-pipeline/internal/bookmark"
)

// Memory is an in-process bookmark.StepMemo. Entries expire after ttl.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[bookmark.Step]entry
}

type entry struct {
	data    []byte
	expires time.Time
}

// NewMemory returns an empty memo. ttl <= 0 keeps entries until Forget.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[bookmark.Step]entry),
	}
}

// Load decodes the saved output of step into dest.
func (m *Memory) Load(_ context.Context, jobID string, step bookmark.Step, dest any) (bool, error) {
	m.mu.Lock()
	e, ok := m.entries[jobID][step]
	if ok && m.ttl > 0 && m.now().After(e.expires) {
		delete(m.entries[jobID], step)
		ok = false
	}
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(e.data, dest); err != nil {
		return false, fmt.Errorf("decode memo %s/%s: %w", jobID, step, err)
	}
	return true, nil
}

// Save stores value as the output of step.
func (m *Memory) Save(_ context.Context, jobID string, step bookmark.Step, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode memo %s/%s: %w", jobID, step, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.entries[jobID]
	if !ok {
		steps = make(map[bookmark.Step]entry)
		m.entries[jobID] = steps
	}
	steps[step] = entry{data: data, expires: m.now().Add(m.ttl)}
	return nil
}

// Forget drops every saved step for jobID.
func (m *Memory) Forget(_ context.Context, jobID string) error {
	m.mu.Lock()
	delete(m.entries, jobID)
	m.mu.Unlock()
	return nil
}
