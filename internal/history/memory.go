package history

import (
	"context"
	"sync"

	"gpu-price-oracle/internal/index"
)

// Memory is an in-process history used by simulations and tests.
type Memory struct {
	mu      sync.Mutex
	entries []index.ComputedIndex
}

// NewMemory seeds a history with existing entries, oldest first.
func NewMemory(seed ...index.ComputedIndex) *Memory {
	m := &Memory{}
	m.entries = append(m.entries, seed...)
	return m
}

func (m *Memory) Append(_ context.Context, entry index.ComputedIndex) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *Memory) Recent(_ context.Context, limit int) ([]index.ComputedIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && len(m.entries) > limit {
		start = len(m.entries) - limit
	}
	out := make([]index.ComputedIndex, len(m.entries)-start)
	copy(out, m.entries[start:])
	return out, nil
}

// Len reports how many entries have been appended in total.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
