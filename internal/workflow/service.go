package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kvitton/backend/internal/audit"
	"github.com/kvitton/backend/internal/idgen"
)

// Service implements the verification workflow. It is the sole writer of
// batch, session and transaction state.
type Service struct {
	store  Store
	audit  audit.Store
	logger *slog.Logger
	cache  CacheInvalidator
	events EventPublisher
	locks  sync.Map // per-batch ID locks serializing session-level transitions
}

// NewService creates a workflow service. The audit store is mandatory:
// a state change whose audit entry cannot be written must not happen.
func NewService(store Store, auditStore audit.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		audit:  auditStore,
		logger: logger,
	}
}

// WithCache adds synchronous invalidation of an advisory results cache.
func (s *Service) WithCache(c CacheInvalidator) *Service {
	s.cache = c
	return s
}

// WithEvents adds lifecycle event publishing.
func (s *Service) WithEvents(p EventPublisher) *Service {
	s.events = p
	return s
}

// batchLock returns a mutex for the given batch ID. It serializes session
// transitions per batch (e.g. complete racing the auto-approval sweep).
func (s *Service) batchLock(batchID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(batchID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// appendAudit writes one audit entry, failing the caller's state change if
// the write does not persist.
func (s *Service) appendAudit(ctx context.Context, entry *audit.Entry) error {
	if err := s.audit.Append(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditFailed, err)
	}
	return nil
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, keys...)
	}
}

// IngestBatch registers a validated batch and its transactions.
func (s *Service) IngestBatch(ctx context.Context, batch *PaymentBatch, txns []*Transaction) error {
	entry := audit.NewEntry(audit.SystemActor, audit.ActionBatchCreated,
		audit.EntityBatch, batch.ID, "", string(BatchPending)).
		WithDetail("business_id", batch.BusinessID).
		WithDetail("transaction_count", fmt.Sprintf("%d", len(txns)))
	if err := s.appendAudit(ctx, entry); err != nil {
		return err
	}

	if err := s.store.CreateBatch(ctx, batch); err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	if err := s.store.CreateTransactions(ctx, txns); err != nil {
		return fmt.Errorf("failed to create transactions: %w", err)
	}
	return nil
}

// GetBatch returns one batch.
func (s *Service) GetBatch(ctx context.Context, id string) (*PaymentBatch, error) {
	return s.store.GetBatch(ctx, id)
}

// GetTransaction returns one transaction.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// ListTransactions returns every transaction in a batch.
func (s *Service) ListTransactions(ctx context.Context, batchID string) ([]*Transaction, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, batchID)
}

// CreateSession opens a verification session for a batch. The first session
// moves the batch from pending to in_progress.
func (s *Service) CreateSession(ctx context.Context, batchID, verifierID string) (*VerificationSession, error) {
	mu := s.batchLock(batchID)
	mu.Lock()
	defer mu.Unlock()

	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: batch is %s", ErrInvalidTransition, batch.Status)
	}
	if _, err := s.store.GetOpenSession(ctx, batchID); err == nil {
		return nil, ErrSessionConflict
	}

	session := &VerificationSession{
		ID:            idgen.WithPrefix("vs_"),
		BatchID:       batchID,
		VerifierID:    verifierID,
		Status:        SessionActive,
		StartedAt:     time.Now().UTC(),
		UpdateVersion: 1,
	}

	entry := audit.NewEntry(verifierID, audit.ActionSessionCreated,
		audit.EntitySession, session.ID, "", string(SessionActive)).
		WithDetail("batch_id", batchID)
	if err := s.appendAudit(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if batch.Status == BatchPending {
		entry := audit.NewEntry(verifierID, audit.ActionBatchStatusChanged,
			audit.EntityBatch, batchID, string(BatchPending), string(BatchInProgress))
		if err := s.appendAudit(ctx, entry); err != nil {
			return nil, err
		}
		if err := s.store.UpdateBatchStatus(ctx, batchID, BatchPending, BatchInProgress); err != nil {
			return nil, err
		}
	}

	s.invalidate(ctx, BatchCacheKey(batchID), SessionCacheKey(session.ID))
	return session, nil
}

// VerifyTransaction applies one write-once decision to a transaction. The
// caller must pass the update version it last observed; a stale version
// fails with ErrVersionConflict instead of overwriting.
func (s *Service) VerifyTransaction(ctx context.Context, req VerifyRequest) (*Transaction, error) {
	if !req.Decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, req.Decision)
	}

	txn, err := s.store.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return nil, err
	}
	if txn.VerificationStatus != VerificationPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyVerified, txn.ID, txn.VerificationStatus)
	}

	now := time.Now().UTC()
	updated := *txn
	updated.VerificationStatus = VerificationStatus(req.Decision)
	updated.VerifiedBy = req.VerifierID
	updated.VerifiedAt = &now
	updated.VerificationReason = req.Reason
	updated.UpdatedAt = now

	entry := audit.NewEntry(req.VerifierID, audit.ActionTransactionVerified,
		audit.EntityTransaction, txn.ID, string(VerificationPending), string(req.Decision)).
		WithDetail("batch_id", txn.BatchID)
	if req.Reason != "" {
		entry.WithDetail("reason", req.Reason)
	}
	if err := s.appendAudit(ctx, entry); err != nil {
		return nil, err
	}

	if err := s.store.ApplyVerification(ctx, &updated, req.ExpectedVersion); err != nil {
		// The audited change did not commit; record that so the trail stays
		// truthful.
		failEntry := audit.NewEntry(req.VerifierID, audit.ActionVerificationFailed,
			audit.EntityTransaction, txn.ID, string(VerificationPending), "").
			WithDetail("batch_id", txn.BatchID).
			WithDetail("error", err.Error())
		if auditErr := s.audit.Append(ctx, failEntry); auditErr != nil {
			s.logger.Warn("failed to audit verification failure",
				"transaction_id", txn.ID, "error", auditErr)
		}
		return nil, err
	}
	updated.UpdateVersion = req.ExpectedVersion + 1

	s.refreshSessionProgress(ctx, txn.BatchID)
	s.invalidate(ctx, BatchCacheKey(txn.BatchID))
	return &updated, nil
}

// VerifyBatch applies a list of decisions. Each row succeeds or fails
// independently; failures are collected, never propagated, and the session
// counters are recomputed from the stored transaction set afterwards so a
// partial failure cannot leave them inconsistent.
func (s *Service) VerifyBatch(ctx context.Context, verifierID string, decisions []VerifyRequest) (*BatchVerifyResult, error) {
	result := &BatchVerifyResult{Failures: make(map[string]string)}

	var batchID string
	for _, req := range decisions {
		req.VerifierID = verifierID
		txn, err := s.VerifyTransaction(ctx, req)
		if err != nil {
			result.FailedIDs = append(result.FailedIDs, req.TransactionID)
			result.Failures[req.TransactionID] = err.Error()
			continue
		}
		result.Verified++
		batchID = txn.BatchID
	}

	if batchID != "" {
		s.refreshSessionProgress(ctx, batchID)
	}
	return result, nil
}

// refreshSessionProgress recomputes the open session's counters from the
// authoritative transaction set. Counters are never incremented in place;
// that drifts under concurrent writes.
func (s *Service) refreshSessionProgress(ctx context.Context, batchID string) {
	session, err := s.store.GetOpenSession(ctx, batchID)
	if err != nil {
		return // no open session, nothing to refresh
	}

	// The CAS update can race other verifiers; re-fetch and retry a few
	// times. Progress is derived state, so losing the last retry only delays
	// the next recomputation.
	for attempt := 0; attempt < 3; attempt++ {
		counts, err := s.store.CountByStatus(ctx, batchID)
		if err != nil {
			s.logger.Warn("failed to count batch transactions", "batch_id", batchID, "error", err)
			return
		}

		updated := *session
		updated.TransactionsVerified = counts.Verified()
		updated.TransactionsApproved = counts.Approved
		updated.TransactionsRejected = counts.Rejected
		updated.ProgressPercentage = counts.ProgressPercentage()
		updated.UpdateVersion = session.UpdateVersion + 1

		err = s.store.UpdateSession(ctx, &updated, session.UpdateVersion)
		if err == nil {
			s.invalidate(ctx, SessionCacheKey(session.ID))
			return
		}
		session, err = s.store.GetOpenSession(ctx, batchID)
		if err != nil {
			return
		}
	}
}

// PauseSession pauses an active session. Only the owning verifier may do so.
func (s *Service) PauseSession(ctx context.Context, sessionID, verifierID string) (*VerificationSession, error) {
	return s.transitionSession(ctx, sessionID, verifierID, SessionActive, SessionPaused,
		audit.ActionSessionPaused, "", func(sess *VerificationSession, now time.Time) {
			sess.PausedAt = &now
		})
}

// ResumeSession resumes a paused session.
func (s *Service) ResumeSession(ctx context.Context, sessionID, verifierID string) (*VerificationSession, error) {
	return s.transitionSession(ctx, sessionID, verifierID, SessionPaused, SessionActive,
		audit.ActionSessionResumed, "", func(sess *VerificationSession, now time.Time) {
			sess.ResumedAt = &now
		})
}

// AbandonSession abandons an active session with a reason.
func (s *Service) AbandonSession(ctx context.Context, sessionID, verifierID, reason string) (*VerificationSession, error) {
	return s.transitionSession(ctx, sessionID, verifierID, SessionActive, SessionAbandoned,
		audit.ActionSessionAbandoned, reason, func(sess *VerificationSession, now time.Time) {
			sess.AbandonedAt = &now
			sess.AbandonReason = reason
		})
}

func (s *Service) transitionSession(ctx context.Context, sessionID, verifierID string,
	from, to SessionStatus, action, reason string,
	apply func(*VerificationSession, time.Time)) (*VerificationSession, error) {

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.VerifierID != verifierID {
		return nil, ErrPermissionDenied
	}
	if session.Status != from {
		return nil, fmt.Errorf("%w: session is %s, not %s", ErrInvalidTransition, session.Status, from)
	}

	mu := s.batchLock(session.BatchID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	updated := *session
	updated.Status = to
	updated.UpdateVersion = session.UpdateVersion + 1
	apply(&updated, now)

	entry := audit.NewEntry(verifierID, action,
		audit.EntitySession, sessionID, string(from), string(to)).
		WithDetail("batch_id", session.BatchID)
	if reason != "" {
		entry.WithDetail("reason", reason)
	}
	if err := s.appendAudit(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSession(ctx, &updated, session.UpdateVersion); err != nil {
		return nil, err
	}

	s.invalidate(ctx, SessionCacheKey(sessionID), BatchCacheKey(session.BatchID))
	return &updated, nil
}

// CompleteSession finishes an active session. Completion requires every
// transaction in the batch to carry a terminal decision; otherwise it fails
// with ErrPendingRemain and the batch stays in_progress.
func (s *Service) CompleteSession(ctx context.Context, sessionID, verifierID string) (*VerificationSession, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.VerifierID != verifierID {
		return nil, ErrPermissionDenied
	}
	if session.Status != SessionActive {
		return nil, fmt.Errorf("%w: session is %s", ErrInvalidTransition, session.Status)
	}

	mu := s.batchLock(session.BatchID)
	mu.Lock()
	defer mu.Unlock()

	counts, err := s.store.CountByStatus(ctx, session.BatchID)
	if err != nil {
		return nil, fmt.Errorf("failed to count batch transactions: %w", err)
	}
	if counts.Pending > 0 {
		return nil, fmt.Errorf("%w: %d pending", ErrPendingRemain, counts.Pending)
	}

	now := time.Now().UTC()
	updated := *session
	updated.Status = SessionCompleted
	updated.CompletedAt = &now
	updated.TransactionsVerified = counts.Verified()
	updated.TransactionsApproved = counts.Approved
	updated.TransactionsRejected = counts.Rejected
	updated.ProgressPercentage = counts.ProgressPercentage()
	updated.UpdateVersion = session.UpdateVersion + 1

	entry := audit.NewEntry(verifierID, audit.ActionSessionCompleted,
		audit.EntitySession, sessionID, string(SessionActive), string(SessionCompleted)).
		WithDetail("batch_id", session.BatchID).
		WithDetail("approved", fmt.Sprintf("%d", counts.Approved)).
		WithDetail("rejected", fmt.Sprintf("%d", counts.Rejected))
	if err := s.appendAudit(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.store.UpdateSession(ctx, &updated, session.UpdateVersion); err != nil {
		return nil, err
	}

	batchEntry := audit.NewEntry(verifierID, audit.ActionBatchStatusChanged,
		audit.EntityBatch, session.BatchID, string(BatchInProgress), string(BatchCompleted))
	if err := s.appendAudit(ctx, batchEntry); err != nil {
		return nil, err
	}
	if err := s.store.UpdateBatchStatus(ctx, session.BatchID, BatchInProgress, BatchCompleted); err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.PublishSessionCompleted(ctx, session.BatchID, sessionID, counts.Approved, counts.Rejected)
	}
	s.invalidate(ctx, SessionCacheKey(sessionID), BatchCacheKey(session.BatchID))
	return &updated, nil
}

// AutoApproveBatch approves every pending transaction in a batch and moves
// the batch to auto_approved. Used by the deadline sweep; recorded with
// distinct audit actions so system approvals are never mistaken for human
// completions.
func (s *Service) AutoApproveBatch(ctx context.Context, batchID, reason string) (*PaymentBatch, error) {
	mu := s.batchLock(batchID)
	mu.Lock()
	defer mu.Unlock()

	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: batch is %s", ErrInvalidTransition, batch.Status)
	}

	pending, err := s.store.ListPendingTransactions(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending transactions: %w", err)
	}

	now := time.Now().UTC()
	approved := 0
	for _, txn := range pending {
		entry := audit.NewEntry(audit.SystemActor, audit.ActionTransactionAutoApproved,
			audit.EntityTransaction, txn.ID, string(VerificationPending), string(VerificationApproved)).
			WithDetail("batch_id", batchID).
			WithDetail("reason", reason)
		if err := s.appendAudit(ctx, entry); err != nil {
			return nil, err
		}

		updated := *txn
		updated.VerificationStatus = VerificationApproved
		updated.VerifiedBy = audit.SystemActor
		updated.VerifiedAt = &now
		updated.VerificationReason = reason
		updated.UpdatedAt = now
		if err := s.store.ApplyVerification(ctx, &updated, txn.UpdateVersion); err != nil {
			// A verifier snuck in between the listing and the sweep; the
			// transaction is no longer pending, which is fine.
			s.logger.Warn("skipping transaction during auto-approval",
				"transaction_id", txn.ID, "error", err)
			continue
		}
		approved++
	}

	entry := audit.NewEntry(audit.SystemActor, audit.ActionBatchAutoApproved,
		audit.EntityBatch, batchID, string(batch.Status), string(BatchAutoApproved)).
		WithDetail("reason", reason).
		WithDetail("auto_approved", fmt.Sprintf("%d", approved))
	if err := s.appendAudit(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.store.UpdateBatchStatus(ctx, batchID, batch.Status, BatchAutoApproved); err != nil {
		return nil, err
	}

	updated := *batch
	updated.Status = BatchAutoApproved
	updated.UpdatedAt = now

	if s.events != nil {
		s.events.PublishBatchAutoApproved(ctx, batchID, approved)
	}
	s.invalidate(ctx, BatchCacheKey(batchID))
	return &updated, nil
}

// Progress returns the open or given session together with authoritative
// batch counts.
func (s *Service) Progress(ctx context.Context, sessionID string) (*VerificationSession, Counts, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, Counts{}, err
	}
	counts, err := s.store.CountByStatus(ctx, session.BatchID)
	if err != nil {
		return nil, Counts{}, err
	}
	return session, counts, nil
}

// BatchCounts returns the authoritative verification tally for a batch.
func (s *Service) BatchCounts(ctx context.Context, batchID string) (Counts, error) {
	if _, err := s.store.GetBatch(ctx, batchID); err != nil {
		return Counts{}, err
	}
	return s.store.CountByStatus(ctx, batchID)
}
