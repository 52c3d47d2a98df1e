package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory workflow store for demo/development mode.
type MemoryStore struct {
	batches      map[string]*PaymentBatch
	transactions map[string]*Transaction
	sessions     map[string]*VerificationSession
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory workflow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches:      make(map[string]*PaymentBatch),
		transactions: make(map[string]*Transaction),
		sessions:     make(map[string]*VerificationSession),
	}
}

func copyBatch(b *PaymentBatch) *PaymentBatch {
	cp := *b
	if b.Metadata != nil {
		cp.Metadata = make(map[string]string, len(b.Metadata))
		for k, v := range b.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

func (m *MemoryStore) CreateBatch(ctx context.Context, batch *PaymentBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[batch.ID]; ok {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	m.batches[batch.ID] = copyBatch(batch)
	return nil
}

func (m *MemoryStore) GetBatch(ctx context.Context, id string) (*PaymentBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	batch, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return copyBatch(batch), nil
}

func (m *MemoryStore) UpdateBatchStatus(ctx context.Context, id string, from, to BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	batch, ok := m.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if batch.Status != from {
		return fmt.Errorf("%w: batch is %s, not %s", ErrInvalidTransition, batch.Status, from)
	}
	batch.Status = to
	batch.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListExpiredBatches(ctx context.Context, before time.Time, limit int) ([]*PaymentBatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentBatch
	for _, b := range m.batches {
		if !b.Status.IsTerminal() && b.VerificationDeadline.Before(before) {
			result = append(result, copyBatch(b))
			if len(result) >= limit {
				break
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].VerificationDeadline.Before(result[j].VerificationDeadline)
	})
	return result, nil
}

func (m *MemoryStore) CreateTransactions(ctx context.Context, txns []*Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, txn := range txns {
		if _, ok := m.transactions[txn.ID]; ok {
			return fmt.Errorf("transaction %s already exists", txn.ID)
		}
	}
	for _, txn := range txns {
		cp := *txn
		m.transactions[txn.ID] = &cp
	}
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, batchID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.transactions {
		if txn.BatchID == batchID {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) ListPendingTransactions(ctx context.Context, batchID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, txn := range m.transactions {
		if txn.BatchID == batchID && txn.VerificationStatus == VerificationPending {
			cp := *txn
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) ApplyVerification(ctx context.Context, txn *Transaction, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.transactions[txn.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	if stored.VerificationStatus != VerificationPending {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyVerified, stored.ID, stored.VerificationStatus)
	}
	if stored.UpdateVersion != expectedVersion {
		return ErrVersionConflict
	}

	cp := *txn
	cp.UpdateVersion = expectedVersion + 1
	m.transactions[txn.ID] = &cp
	return nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context, batchID string) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var counts Counts
	for _, txn := range m.transactions {
		if txn.BatchID != batchID {
			continue
		}
		counts.Total++
		switch txn.VerificationStatus {
		case VerificationPending:
			counts.Pending++
		case VerificationApproved:
			counts.Approved++
		case VerificationRejected:
			counts.Rejected++
		}
	}
	return counts, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, session *VerificationSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.sessions {
		if s.BatchID == session.BatchID && !s.Status.IsTerminal() {
			return ErrSessionConflict
		}
	}
	cp := *session
	m.sessions[session.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*VerificationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *session
	return &cp, nil
}

func (m *MemoryStore) GetOpenSession(ctx context.Context, batchID string) (*VerificationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.BatchID == batchID && !s.Status.IsTerminal() {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

func (m *MemoryStore) UpdateSession(ctx context.Context, session *VerificationSession, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.sessions[session.ID]
	if !ok {
		return ErrSessionNotFound
	}
	if stored.UpdateVersion != expectedVersion {
		return ErrVersionConflict
	}

	cp := *session
	cp.UpdateVersion = expectedVersion + 1
	m.sessions[session.ID] = &cp
	return nil
}
