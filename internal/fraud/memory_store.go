package fraud

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	assessments   map[string]*Assessment
	byTransaction map[string][]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments:   make(map[string]*Assessment),
		byTransaction: make(map[string][]string),
	}
}

func (s *MemoryStore) Record(_ context.Context, assessment *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := copyAssessment(assessment)
	s.assessments[cp.ID] = cp
	s.byTransaction[cp.TransactionID] = append(s.byTransaction[cp.TransactionID], cp.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assessments[id]
	if !ok {
		return nil, ErrAssessmentNotFound
	}
	return copyAssessment(a), nil
}

func (s *MemoryStore) ListByTransaction(_ context.Context, transactionID string, limit int) ([]*Assessment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTransaction[transactionID]
	out := make([]*Assessment, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyAssessment(s.assessments[id]))
	}
	// Newest first.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyAssessment(a *Assessment) *Assessment {
	cp := *a
	cp.Reasoning = append([]string{}, a.Reasoning...)
	cp.Factors = append([]Factor{}, a.Factors...)
	cp.Patterns = append(a.Patterns[:0:0], a.Patterns...)
	return &cp
}
