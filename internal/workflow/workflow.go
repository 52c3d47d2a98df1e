// Package workflow owns the batch/session/transaction verification lifecycle.
//
// Flow:
//  1. Ingestion hands over a validated batch → status pending
//  2. A verifier opens a session → batch pending → in_progress
//  3. Each transaction is approved or rejected exactly once (write-once)
//  4. Session completes when no transaction is left pending → batch completed
//  5. A batch past its deadline without a completed session is swept →
//     auto_approved, remaining transactions approved with reason "deadline expired"
//
// All mutation of the three entities goes through Service; no other component
// writes verification state. Every transition is audited before it commits.
package workflow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrBatchNotFound       = errors.New("batch not found")
	ErrSessionNotFound     = errors.New("session not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrInvalidTransition is returned for any state change the lifecycle
	// does not permit.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyVerified is returned when a transaction decision is applied
	// to a transaction that is no longer pending. Distinct from a generic
	// validation failure so callers can branch on it.
	ErrAlreadyVerified = errors.New("transaction already verified")
	// ErrSessionConflict is returned when a non-terminal session already
	// exists for the batch.
	ErrSessionConflict = errors.New("batch already has an open session")
	// ErrPermissionDenied is returned when an actor other than the session
	// owner attempts a session operation.
	ErrPermissionDenied = errors.New("verifier does not own this session")
	// ErrVersionConflict is returned when the caller's expected version is
	// stale. Callers should re-fetch and retry; last-writer-wins is not
	// permitted.
	ErrVersionConflict = errors.New("optimistic lock conflict")
	// ErrPendingRemain blocks session completion while transactions are
	// still pending.
	ErrPendingRemain = errors.New("batch has pending transactions")
	// ErrAuditFailed marks a state change aborted because its audit entry
	// could not be persisted.
	ErrAuditFailed = errors.New("audit log write failed")
	// ErrInvalidDecision is returned for a decision outside approved/rejected.
	ErrInvalidDecision = errors.New("decision must be approved or rejected")
)

// BatchStatus is the lifecycle state of a payment batch.
type BatchStatus string

const (
	BatchPending      BatchStatus = "pending"
	BatchInProgress   BatchStatus = "in_progress"
	BatchCompleted    BatchStatus = "completed"
	BatchAutoApproved BatchStatus = "auto_approved"
)

// IsTerminal returns true for final batch states.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchCompleted || s == BatchAutoApproved
}

// SessionStatus is the lifecycle state of a verification session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionAbandoned SessionStatus = "abandoned"
)

// IsTerminal returns true for final session states.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionAbandoned
}

// VerificationStatus is the write-once decision state of a transaction.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "pending"
	VerificationApproved VerificationStatus = "approved"
	VerificationRejected VerificationStatus = "rejected"
)

// Decision is a verifier's verdict on one transaction.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Valid reports whether the decision is one of the two accepted values.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// PaymentBatch is one weekly upload of transactions for one business.
// The verification deadline is fixed at creation and never extended.
type PaymentBatch struct {
	ID                   string            `json:"id"`
	BusinessID           string            `json:"businessId"`
	Status               BatchStatus       `json:"status"`
	TransactionCount     int               `json:"transactionCount"`
	TotalAmount          float64           `json:"totalAmount"`
	Currency             string            `json:"currency"`
	VerificationDeadline time.Time         `json:"verificationDeadline"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// VerificationSession is one verifier's active work unit against a batch.
// At most one non-terminal session exists per batch at any time.
type VerificationSession struct {
	ID                   string        `json:"id"`
	BatchID              string        `json:"batchId"`
	VerifierID           string        `json:"verifierId"`
	Status               SessionStatus `json:"status"`
	StartedAt            time.Time     `json:"startedAt"`
	PausedAt             *time.Time    `json:"pausedAt,omitempty"`
	ResumedAt            *time.Time    `json:"resumedAt,omitempty"`
	CompletedAt          *time.Time    `json:"completedAt,omitempty"`
	AbandonedAt          *time.Time    `json:"abandonedAt,omitempty"`
	AbandonReason        string        `json:"abandonReason,omitempty"`
	TransactionsVerified int           `json:"transactionsVerified"`
	TransactionsApproved int           `json:"transactionsApproved"`
	TransactionsRejected int           `json:"transactionsRejected"`
	ProgressPercentage   float64       `json:"progressPercentage"`
	UpdateVersion        int64         `json:"updateVersion"`
}

// Transaction is one payment record subject to verification. It is owned
// exclusively by its batch. The verification status is write-once.
type Transaction struct {
	ID                 string             `json:"id"`
	BatchID            string             `json:"batchId"`
	SwishReference     string             `json:"swishReference"`
	Amount             float64            `json:"amount"`
	Currency           string             `json:"currency"`
	RecipientName      string             `json:"recipientName"`
	RecipientNumber    string             `json:"recipientNumber"`
	SenderName         string             `json:"senderName"`
	SenderNumber       string             `json:"senderNumber"`
	Message            string             `json:"message,omitempty"`
	Timestamp          time.Time          `json:"timestamp"`
	PaymentStatus      string             `json:"paymentStatus"`
	VerificationStatus VerificationStatus `json:"verificationStatus"`
	VerifiedBy         string             `json:"verifiedBy,omitempty"`
	VerifiedAt         *time.Time         `json:"verifiedAt,omitempty"`
	VerificationReason string             `json:"verificationReason,omitempty"`
	UpdateVersion      int64              `json:"updateVersion"`
	CreatedAt          time.Time          `json:"createdAt"`
	UpdatedAt          time.Time          `json:"updatedAt"`
}

// Counts is the authoritative per-batch verification tally, always computed
// from the transaction set rather than incremented counters.
type Counts struct {
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
}

// Verified is the number of transactions with a terminal decision.
func (c Counts) Verified() int { return c.Approved + c.Rejected }

// ProgressPercentage is the verified share in [0,100].
func (c Counts) ProgressPercentage() float64 {
	if c.Total == 0 {
		return 0
	}
	return float64(c.Verified()) / float64(c.Total) * 100
}

// VerifyRequest applies one decision to one transaction.
type VerifyRequest struct {
	TransactionID   string   `json:"transactionId" binding:"required"`
	VerifierID      string   `json:"verifierId" binding:"required"`
	Decision        Decision `json:"decision" binding:"required"`
	Reason          string   `json:"reason"`
	ExpectedVersion int64    `json:"expectedVersion"`
}

// BatchVerifyResult reports the outcome of a multi-row verification. Rows
// succeed or fail independently; failures never abort the remainder.
type BatchVerifyResult struct {
	Verified  int               `json:"verified"`
	FailedIDs []string          `json:"failedIds,omitempty"`
	Failures  map[string]string `json:"failures,omitempty"`
}

// Store persists the three workflow entities. Implementations must make
// ApplyVerification and UpdateSession compare-and-swap on the update version
// and surface ErrVersionConflict on a stale write.
type Store interface {
	CreateBatch(ctx context.Context, batch *PaymentBatch) error
	GetBatch(ctx context.Context, id string) (*PaymentBatch, error)
	// UpdateBatchStatus transitions a batch from one status to another. It
	// fails with ErrInvalidTransition if the stored status is not `from`.
	UpdateBatchStatus(ctx context.Context, id string, from, to BatchStatus) error
	// ListExpiredBatches returns non-terminal batches whose deadline passed.
	ListExpiredBatches(ctx context.Context, before time.Time, limit int) ([]*PaymentBatch, error)

	CreateTransactions(ctx context.Context, txns []*Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	ListTransactions(ctx context.Context, batchID string) ([]*Transaction, error)
	ListPendingTransactions(ctx context.Context, batchID string) ([]*Transaction, error)
	// ApplyVerification commits a decision to a still-pending transaction
	// iff the stored version matches expectedVersion.
	ApplyVerification(ctx context.Context, txn *Transaction, expectedVersion int64) error
	CountByStatus(ctx context.Context, batchID string) (Counts, error)

	// CreateSession fails with ErrSessionConflict when the batch already has
	// a non-terminal session.
	CreateSession(ctx context.Context, session *VerificationSession) error
	GetSession(ctx context.Context, id string) (*VerificationSession, error)
	// GetOpenSession returns the active or paused session for a batch, or
	// ErrSessionNotFound.
	GetOpenSession(ctx context.Context, batchID string) (*VerificationSession, error)
	UpdateSession(ctx context.Context, session *VerificationSession, expectedVersion int64) error
}

// CacheInvalidator drops advisory read-cache entries. Invalidation happens
// synchronously on every write to the same key; the cache is never consulted
// for transition decisions.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, keys ...string)
}

// EventPublisher emits lifecycle events. Implementations must be cheap and
// non-blocking; a publish failure never fails the workflow call.
type EventPublisher interface {
	PublishSessionCompleted(ctx context.Context, batchID, sessionID string, approved, rejected int)
	PublishBatchAutoApproved(ctx context.Context, batchID string, autoApproved int)
}

// Cache keys for batch and session snapshots.
func BatchCacheKey(batchID string) string     { return "batch:" + batchID }
func SessionCacheKey(sessionID string) string { return "session:" + sessionID }
