// Package audit provides the append-only log of every state transition and
// decision in the verification workflow.
//
// Entries are never updated or deleted. The log is the source of truth for
// reconstructing history; aggregate views are derived elsewhere.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/kvitton/backend/internal/idgen"
)

// ErrNotFound is returned when no entries exist for a query.
var ErrNotFound = errors.New("audit entries not found")

// SystemActor is the actor recorded for system-driven transitions.
const SystemActor = "system"

// Actions recorded by the workflow and scoring engine.
const (
	ActionBatchCreated          = "batch_created"
	ActionBatchStatusChanged    = "batch_status_changed"
	ActionBatchAutoApproved     = "batch_auto_approved"
	ActionSessionCreated        = "session_created"
	ActionSessionPaused         = "session_paused"
	ActionSessionResumed        = "session_resumed"
	ActionSessionCompleted      = "session_completed"
	ActionSessionAbandoned      = "session_abandoned"
	ActionTransactionVerified   = "transaction_verified"
	ActionTransactionAutoApproved = "transaction_auto_approved"
	ActionVerificationFailed    = "verification_failed"
	ActionAssessmentRecorded    = "assessment_recorded"
)

// Entity types referenced by entries.
const (
	EntityBatch       = "batch"
	EntitySession     = "session"
	EntityTransaction = "transaction"
	EntityAssessment  = "assessment"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string            `json:"id"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	PriorState string            `json:"priorState,omitempty"`
	NewState   string            `json:"newState,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// NewEntry builds an entry with a fresh ID and timestamp.
func NewEntry(actor, action, entityType, entityID, priorState, newState string) *Entry {
	return &Entry{
		ID:         idgen.WithPrefix("aud_"),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		PriorState: priorState,
		NewState:   newState,
		CreatedAt:  time.Now().UTC(),
	}
}

// WithDetail attaches a key/value detail and returns the entry for chaining.
func (e *Entry) WithDetail(key, value string) *Entry {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Store persists audit entries. Implementations expose no update or delete.
type Store interface {
	Append(ctx context.Context, entry *Entry) error
	ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error)
	ListByBatch(ctx context.Context, batchID string, limit int) ([]*Entry, error)
}
