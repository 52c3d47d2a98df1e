package workflow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kvitton/backend/internal/audit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *audit.MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	return NewService(store, auditStore, testLogger()), store, auditStore
}

func seedBatch(t *testing.T, svc *Service, txnCount int) (*PaymentBatch, []*Transaction) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	batch := &PaymentBatch{
		ID:                   "batch_test",
		BusinessID:           "biz_1",
		Status:               BatchPending,
		TransactionCount:     txnCount,
		Currency:             "SEK",
		VerificationDeadline: now.Add(7 * 24 * time.Hour),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	txns := make([]*Transaction, txnCount)
	for i := range txns {
		txns[i] = &Transaction{
			ID:                 "txn_" + string(rune('a'+i)),
			BatchID:            batch.ID,
			SwishReference:     "1234567890",
			Amount:             100.00,
			Currency:           "SEK",
			RecipientName:      "Testbolaget AB",
			RecipientNumber:    "+46701234567",
			SenderName:         "Anna Andersson",
			SenderNumber:       "+46709876543",
			Timestamp:          now.Add(-time.Hour),
			PaymentStatus:      "completed",
			VerificationStatus: VerificationPending,
			UpdateVersion:      1,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
	}
	require.NoError(t, svc.IngestBatch(ctx, batch, txns))
	return batch, txns
}

func TestCreateSession_MovesBatchInProgress(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	batch, _ := seedBatch(t, svc, 2)

	session, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, session.Status)
	assert.Equal(t, batch.ID, session.BatchID)

	stored, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchInProgress, stored.Status)
}

func TestCreateSession_ConflictOnOpenSession(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, _ := seedBatch(t, svc, 2)

	_, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	_, err = svc.CreateSession(ctx, batch.ID, "verifier_2")
	assert.ErrorIs(t, err, ErrSessionConflict)
}

func TestCreateSession_ConflictWhilePaused(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, _ := seedBatch(t, svc, 1)

	session, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)
	_, err = svc.PauseSession(ctx, session.ID, "verifier_1")
	require.NoError(t, err)

	// A paused session still blocks new sessions.
	_, err = svc.CreateSession(ctx, batch.ID, "verifier_2")
	assert.ErrorIs(t, err, ErrSessionConflict)
}

func TestCreateSession_TerminalBatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, _ := seedBatch(t, svc, 1)

	_, err := svc.AutoApproveBatch(ctx, batch.ID, DeadlineExpiredReason)
	require.NoError(t, err)

	_, err = svc.CreateSession(ctx, batch.ID, "verifier_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestVerifyTransaction_WriteOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, txns := seedBatch(t, svc, 2)
	_, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	updated, err := svc.VerifyTransaction(ctx, VerifyRequest{
		TransactionID:   txns[0].ID,
		VerifierID:      "verifier_1",
		Decision:        DecisionApproved,
		ExpectedVersion: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, VerificationApproved, updated.VerificationStatus)
	assert.Equal(t, "verifier_1", updated.VerifiedBy)
	assert.NotNil(t, updated.VerifiedAt)
	assert.Equal(t, int64(2), updated.UpdateVersion)

	// Second decision on the same transaction is rejected.
	_, err = svc.VerifyTransaction(ctx, VerifyRequest{
		TransactionID:   txns[0].ID,
		VerifierID:      "verifier_1",
		Decision:        DecisionRejected,
		ExpectedVersion: 2,
	})
	assert.ErrorIs(t, err, ErrAlreadyVerified)
}

func TestVerifyTransaction_StaleVersion(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	batch, txns := seedBatch(t, svc, 1)
	_, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	// Simulate a concurrent writer bumping the version.
	store.mu.Lock()
	store.transactions[txns[0].ID].UpdateVersion = 2
	store.mu.Unlock()

	_, err = svc.VerifyTransaction(ctx, VerifyRequest{
		TransactionID:   txns[0].ID,
		VerifierID:      "verifier_1",
		Decision:        DecisionApproved,
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Stored state is untouched by the failed write.
	after, err := store.GetTransaction(ctx, txns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationPending, after.VerificationStatus)
}

func TestVerifyTransaction_InvalidDecision(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, txns := seedBatch(t, svc, 1)

	_, err := svc.VerifyTransaction(ctx, VerifyRequest{
		TransactionID:   txns[0].ID,
		VerifierID:      "verifier_1",
		Decision:        Decision("maybe"),
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

// failingAuditStore fails every append to exercise audit-then-commit.
type failingAuditStore struct {
	audit.MemoryStore
}

func (f *failingAuditStore) Append(ctx context.Context, e *audit.Entry) error {
	return errors.New("audit backend down")
}

func TestVerifyTransaction_AuditFailureAborts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, &failingAuditStore{}, testLogger())

	now := time.Now().UTC()
	batch := &PaymentBatch{ID: "batch_a", BusinessID: "biz", Status: BatchPending,
		VerificationDeadline: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now}
	txn := &Transaction{ID: "txn_a", BatchID: batch.ID, VerificationStatus: VerificationPending,
		UpdateVersion: 1, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateBatch(ctx, batch))
	require.NoError(t, store.CreateTransactions(ctx, []*Transaction{txn}))

	_, err := svc.VerifyTransaction(ctx, VerifyRequest{
		TransactionID:   txn.ID,
		VerifierID:      "verifier_1",
		Decision:        DecisionApproved,
		ExpectedVersion: 1,
	})
	assert.ErrorIs(t, err, ErrAuditFailed)

	stored, err := store.GetTransaction(ctx, txn.ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationPending, stored.VerificationStatus)
}

func TestVerifyBatch_RowsIndependent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, txns := seedBatch(t, svc, 3)
	_, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	result, err := svc.VerifyBatch(ctx, "verifier_1", []VerifyRequest{
		{TransactionID: txns[0].ID, Decision: DecisionApproved, ExpectedVersion: 1},
		{TransactionID: "txn_missing", Decision: DecisionApproved, ExpectedVersion: 1},
		{TransactionID: txns[2].ID, Decision: DecisionRejected, ExpectedVersion: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Verified)
	assert.Equal(t, []string{"txn_missing"}, result.FailedIDs)
	assert.Contains(t, result.Failures, "txn_missing")

	counts, err := svc.BatchCounts(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Approved)
	assert.Equal(t, 1, counts.Rejected)
	assert.Equal(t, 1, counts.Pending)
}

func TestSessionProgress_RecomputedFromCounts(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, txns := seedBatch(t, svc, 4)
	session, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	for _, txn := range txns[:3] {
		_, err := svc.VerifyTransaction(ctx, VerifyRequest{
			TransactionID:   txn.ID,
			VerifierID:      "verifier_1",
			Decision:        DecisionApproved,
			ExpectedVersion: 1,
		})
		require.NoError(t, err)
	}

	got, counts, err := svc.Progress(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.TransactionsVerified)
	assert.Equal(t, 3, got.TransactionsApproved)
	assert.InDelta(t, 75.0, got.ProgressPercentage, 0.001)
	assert.Equal(t, 1, counts.Pending)
}

func TestPauseResume_OwnershipAndOrder(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, _ := seedBatch(t, svc, 1)
	session, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	// Only the owner may pause.
	_, err = svc.PauseSession(ctx, session.ID, "verifier_2")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// Resume before pause is invalid.
	_, err = svc.ResumeSession(ctx, session.ID, "verifier_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	paused, err := svc.PauseSession(ctx, session.ID, "verifier_1")
	require.NoError(t, err)
	assert.Equal(t, SessionPaused, paused.Status)
	assert.NotNil(t, paused.PausedAt)

	// Pausing twice is invalid.
	_, err = svc.PauseSession(ctx, session.ID, "verifier_1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	resumed, err := svc.ResumeSession(ctx, session.ID, "verifier_1")
	require.NoError(t, err)
	assert.Equal(t, SessionActive, resumed.Status)
	assert.NotNil(t, resumed.ResumedAt)
}

func TestAbandonSession_AllowsNewSession(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, _ := seedBatch(t, svc, 1)
	session, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	abandoned, err := svc.AbandonSession(ctx, session.ID, "verifier_1", "switching shift")
	require.NoError(t, err)
	assert.Equal(t, SessionAbandoned, abandoned.Status)
	assert.Equal(t, "switching shift", abandoned.AbandonReason)

	_, err = svc.CreateSession(ctx, batch.ID, "verifier_2")
	require.NoError(t, err)
}

func TestCompleteSession_PendingRemainBlocksAndKeepsBatch(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	batch, txns := seedBatch(t, svc, 2)
	session, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	_, err = svc.VerifyTransaction(ctx, VerifyRequest{
		TransactionID:   txns[0].ID,
		VerifierID:      "verifier_1",
		Decision:        DecisionApproved,
		ExpectedVersion: 1,
	})
	require.NoError(t, err)

	_, err = svc.CompleteSession(ctx, session.ID, "verifier_1")
	assert.ErrorIs(t, err, ErrPendingRemain)

	// The batch and session both stay open.
	stored, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchInProgress, stored.Status)
	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionActive, got.Status)
}

func TestCompleteSession_AllVerified(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	batch, txns := seedBatch(t, svc, 2)
	session, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	for i, txn := range txns {
		decision := DecisionApproved
		if i == 1 {
			decision = DecisionRejected
		}
		_, err := svc.VerifyTransaction(ctx, VerifyRequest{
			TransactionID:   txn.ID,
			VerifierID:      "verifier_1",
			Decision:        decision,
			ExpectedVersion: 1,
		})
		require.NoError(t, err)
	}

	completed, err := svc.CompleteSession(ctx, session.ID, "verifier_1")
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, completed.Status)
	assert.Equal(t, 1, completed.TransactionsApproved)
	assert.Equal(t, 1, completed.TransactionsRejected)
	assert.InDelta(t, 100.0, completed.ProgressPercentage, 0.001)

	stored, err := store.GetBatch(ctx, batch.ID)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, stored.Status)
}

func TestAutoApproveBatch_AuditShape(t *testing.T) {
	ctx := context.Background()
	svc, store, auditStore := newTestService(t)

	now := time.Now().UTC()
	batch := &PaymentBatch{ID: "batch_exp", BusinessID: "biz", Status: BatchPending,
		VerificationDeadline: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now}
	txns := []*Transaction{
		{ID: "txn_1", BatchID: batch.ID, VerificationStatus: VerificationPending, UpdateVersion: 1, CreatedAt: now, UpdatedAt: now},
		{ID: "txn_2", BatchID: batch.ID, VerificationStatus: VerificationPending, UpdateVersion: 1, CreatedAt: now, UpdatedAt: now},
	}
	require.NoError(t, store.CreateBatch(ctx, batch))
	require.NoError(t, store.CreateTransactions(ctx, txns))

	before := auditStore.Len()
	updated, err := svc.AutoApproveBatch(ctx, batch.ID, DeadlineExpiredReason)
	require.NoError(t, err)
	assert.Equal(t, BatchAutoApproved, updated.Status)

	// One entry per transaction plus one for the batch.
	entries := auditStore.All()[before:]
	require.Len(t, entries, 3)

	var txnEntries, batchEntries int
	for _, e := range entries {
		assert.Equal(t, audit.SystemActor, e.Actor)
		switch e.Action {
		case audit.ActionTransactionAutoApproved:
			txnEntries++
			assert.Equal(t, DeadlineExpiredReason, e.Details["reason"])
		case audit.ActionBatchAutoApproved:
			batchEntries++
			assert.Equal(t, DeadlineExpiredReason, e.Details["reason"])
		}
	}
	assert.Equal(t, 2, txnEntries)
	assert.Equal(t, 1, batchEntries)

	for _, txn := range txns {
		stored, err := store.GetTransaction(ctx, txn.ID)
		require.NoError(t, err)
		assert.Equal(t, VerificationApproved, stored.VerificationStatus)
		assert.Equal(t, audit.SystemActor, stored.VerifiedBy)
		assert.Equal(t, DeadlineExpiredReason, stored.VerificationReason)
	}
}

func TestAutoApproveBatch_PreservesEarlierDecisions(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)
	batch, txns := seedBatch(t, svc, 2)
	_, err := svc.CreateSession(ctx, batch.ID, "verifier_1")
	require.NoError(t, err)

	_, err = svc.VerifyTransaction(ctx, VerifyRequest{
		TransactionID:   txns[0].ID,
		VerifierID:      "verifier_1",
		Decision:        DecisionRejected,
		Reason:          "no receipt",
		ExpectedVersion: 1,
	})
	require.NoError(t, err)

	_, err = svc.AutoApproveBatch(ctx, batch.ID, DeadlineExpiredReason)
	require.NoError(t, err)

	// The human rejection is untouched; only the pending one was approved.
	first, err := store.GetTransaction(ctx, txns[0].ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationRejected, first.VerificationStatus)
	assert.Equal(t, "verifier_1", first.VerifiedBy)

	second, err := store.GetTransaction(ctx, txns[1].ID)
	require.NoError(t, err)
	assert.Equal(t, VerificationApproved, second.VerificationStatus)
	assert.Equal(t, audit.SystemActor, second.VerifiedBy)
}

func TestAutoApproveBatch_TerminalBatchRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	batch, _ := seedBatch(t, svc, 1)

	_, err := svc.AutoApproveBatch(ctx, batch.ID, DeadlineExpiredReason)
	require.NoError(t, err)

	_, err = svc.AutoApproveBatch(ctx, batch.ID, DeadlineExpiredReason)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	svc, store, _ := newTestService(t)

	now := time.Now().UTC()
	expired := &PaymentBatch{ID: "batch_old", BusinessID: "biz", Status: BatchPending,
		VerificationDeadline: now.Add(-time.Hour), CreatedAt: now, UpdatedAt: now}
	fresh := &PaymentBatch{ID: "batch_new", BusinessID: "biz", Status: BatchPending,
		VerificationDeadline: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now}
	require.NoError(t, store.CreateBatch(ctx, expired))
	require.NoError(t, store.CreateBatch(ctx, fresh))

	swept := NewSweeper(svc, store, testLogger()).RunOnce(ctx)
	assert.Equal(t, 1, swept)

	got, err := store.GetBatch(ctx, "batch_old")
	require.NoError(t, err)
	assert.Equal(t, BatchAutoApproved, got.Status)

	got, err = store.GetBatch(ctx, "batch_new")
	require.NoError(t, err)
	assert.Equal(t, BatchPending, got.Status)
}

func TestCountsProgress(t *testing.T) {
	assert.Equal(t, 0.0, Counts{}.ProgressPercentage())
	assert.InDelta(t, 50.0, Counts{Total: 4, Approved: 1, Rejected: 1, Pending: 2}.ProgressPercentage(), 0.001)
	assert.Equal(t, 2, Counts{Approved: 1, Rejected: 1}.Verified())
}
