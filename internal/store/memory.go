package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"funnelbot/internal/identity"
)

// MemoryStore is a process-local Store. It is used for dry runs and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]identity.State
	closed bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]identity.State)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (identity.State, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return identity.State{}, false, ErrClosed
	}
	s, ok := m.data[key]
	if !ok {
		return identity.State{}, false, nil
	}
	return s.Clone(), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, state identity.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = state.Clone()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []Record
	for k, s := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Record{Key: k, State: s.Clone()})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len reports how many identities are held.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
