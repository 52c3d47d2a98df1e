package audit

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory audit log for demo/development mode.
type MemoryStore struct {
	entries []*Entry
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(ctx context.Context, entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.entries = append(m.entries, &cp)
	return nil
}

func (m *MemoryStore) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EntityType == entityType && e.EntityID == entityID {
			cp := *e
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListByBatch(ctx context.Context, batchID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.EntityID == batchID || e.Details["batch_id"] == batchID {
			cp := *e
			result = append(result, &cp)
			if limit > 0 && len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Len reports the number of entries; used by tests.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// All returns a copy of every entry in append order; used by tests.
func (m *MemoryStore) All() []*Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		cp := *e
		result = append(result, &cp)
	}
	return result
}
