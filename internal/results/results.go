// Package results derives verification outcome summaries and caches them.
//
// A result is always computed from the authoritative transaction counts, never
// from incremented counters. The cache is advisory: it speeds up reads and is
// invalidated on every write, but no workflow decision ever consults it.
package results

import (
	"time"

	"github.com/kvitton/backend/internal/workflow"
)

// VerificationResult is the aggregate outcome of a session's work on a batch.
type VerificationResult struct {
	BatchID            string                 `json:"batchId"`
	SessionID          string                 `json:"sessionId,omitempty"`
	VerifierID         string                 `json:"verifierId,omitempty"`
	BatchStatus        workflow.BatchStatus   `json:"batchStatus"`
	SessionStatus      workflow.SessionStatus `json:"sessionStatus,omitempty"`
	Total              int                    `json:"total"`
	Pending            int                    `json:"pending"`
	Approved           int                    `json:"approved"`
	Rejected           int                    `json:"rejected"`
	ProgressPercentage float64                `json:"progressPercentage"`
	ComputedAt         time.Time              `json:"computedAt"`
}

// Compute builds a result from a batch, its authoritative counts and the
// session working it. Session may be nil when no session has opened yet.
func Compute(batch *workflow.PaymentBatch, session *workflow.VerificationSession, counts workflow.Counts) *VerificationResult {
	r := &VerificationResult{
		BatchID:            batch.ID,
		BatchStatus:        batch.Status,
		Total:              counts.Total,
		Pending:            counts.Pending,
		Approved:           counts.Approved,
		Rejected:           counts.Rejected,
		ProgressPercentage: counts.ProgressPercentage(),
		ComputedAt:         time.Now().UTC(),
	}
	if session != nil {
		r.SessionID = session.ID
		r.VerifierID = session.VerifierID
		r.SessionStatus = session.Status
	}
	return r
}
