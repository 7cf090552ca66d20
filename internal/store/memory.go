// ABOUTME: In-memory Store implementation for tests and single-process deployments
// ABOUTME: Records are copied on load and save so States never share maps with the store

package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]record
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]record),
	}
}

// Get loads the context of agentID.
func (m *MemoryStore) Get(ctx context.Context, agentID string) (State, error) {
	r, err := m.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return newDocument(agentID, m, r), nil
}

// Create allocates an empty context for agentID.
func (m *MemoryStore) Create(ctx context.Context, agentID string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[agentID]; exists {
		return nil, ErrExists
	}
	r := record{UpdatedAt: time.Now().UTC()}
	m.records[agentID] = r
	return newDocument(agentID, m, r), nil
}

// Delete removes the context of agentID.
func (m *MemoryStore) Delete(ctx context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[agentID]; !exists {
		return ErrNotFound
	}
	delete(m.records, agentID)
	return nil
}

// Exists reports whether agentID has a context.
func (m *MemoryStore) Exists(ctx context.Context, agentID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.records[agentID]
	return exists, nil
}

// List returns every stored agent id, sorted.
func (m *MemoryStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.records)), nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) load(_ context.Context, agentID string) (record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[agentID]
	if !ok {
		return record{}, ErrNotFound
	}
	r.Values = maps.Clone(r.Values)
	return r, nil
}

func (m *MemoryStore) save(_ context.Context, agentID string, r record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[agentID]; !ok {
		return ErrNotFound
	}
	r.Values = maps.Clone(r.Values)
	m.records[agentID] = r
	return nil
}
