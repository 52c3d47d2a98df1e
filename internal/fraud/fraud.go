// Package fraud implements the two-stage risk scoring pipeline.
//
// Every transaction gets a deterministic base score from weighted heuristic
// factors. When a risk assessment provider is configured, its verdict is
// blended in (70% provider, 30% base); when the provider is unreachable or
// malformed, a deterministic conservative fallback derived from the base
// analysis is returned instead. Scoring never fails past its boundary and
// never blocks past its timeout budget.
package fraud

import (
	"context"
	"errors"
	"time"

	"github.com/kvitton/backend/internal/patterns"
)

var (
	// ErrAssessorUnavailable is the explicit "no provider" variant consumed
	// by the fallback branch. It is a normal outcome, not a failure.
	ErrAssessorUnavailable = errors.New("risk assessor unavailable")
	// ErrAssessorMalformed marks an unparseable provider response, treated
	// the same as an unreachable provider.
	ErrAssessorMalformed = errors.New("risk assessor returned malformed response")
	// ErrAssessmentNotFound is returned when no assessment exists.
	ErrAssessmentNotFound = errors.New("assessment not found")
)

// RiskLevel classifies a score into the platform's four bands.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Recommendation is the suggested handling for a transaction.
type Recommendation string

const (
	RecommendApprove     Recommendation = "approve"
	RecommendReview      Recommendation = "review"
	RecommendReject      Recommendation = "reject"
	RecommendInvestigate Recommendation = "investigate"
)

// Factor is one independently computed risk signal.
type Factor struct {
	Name        string  `json:"name"`
	Score       float64 `json:"score"`  // 0-100 sub-score
	Weight      float64 `json:"weight"` // share of the base score
	Description string  `json:"description"`
}

// AIMetadata accounts for the provider call behind an assessment, or marks
// the assessment as a fallback.
type AIMetadata struct {
	Model          string `json:"model,omitempty"`
	TokensUsed     int    `json:"tokensUsed,omitempty"`
	LatencyMS      int64  `json:"latencyMs,omitempty"`
	Fallback       bool   `json:"fallback"`
	FallbackReason string `json:"fallbackReason,omitempty"`
}

// Assessment is the immutable scoring output for one transaction.
// Re-scoring produces a new assessment, never a mutation.
type Assessment struct {
	ID             string             `json:"id"`
	TransactionID  string             `json:"transactionId"`
	RiskScore      int                `json:"riskScore"` // 0-100
	RiskLevel      RiskLevel          `json:"riskLevel"`
	Confidence     float64            `json:"confidence"` // capped at 0.95
	Recommendation Recommendation     `json:"recommendation"`
	Reasoning      []string           `json:"reasoning"`
	BaseScore      int                `json:"baseScore"`
	Factors        []Factor           `json:"factors"`
	Patterns       []patterns.Anomaly `json:"patterns,omitempty"`
	AI             AIMetadata         `json:"ai"`
	CreatedAt      time.Time          `json:"createdAt"`
}

// CustomerHistory is what the platform knows about the paying customer.
// Zero values mean "no history" and are scored as such, never read as safe.
type CustomerHistory struct {
	TransactionCount int        `json:"transactionCount"`
	AverageAmount    float64    `json:"averageAmount"` // 0 = unknown
	LastSeen         *time.Time `json:"lastSeen,omitempty"`
}

// BusinessProfile is the business's operating profile. Optional fields carry
// documented defaults applied by Normalize.
type BusinessProfile struct {
	OpensAt       int     `json:"opensAt"`       // hour of day, default 6
	ClosesAt      int     `json:"closesAt"`      // hour of day, default 23
	AverageAmount float64 `json:"averageAmount"` // 0 = unknown
}

// Context is the explicit, tagged scoring context. It replaces open maps so
// scoring logic can never silently read an absent field as falsy.
type Context struct {
	BusinessID   string          `json:"businessId"`
	CustomerID   string          `json:"customerId"`
	History      CustomerHistory `json:"history"`
	Profile      BusinessProfile `json:"profile"`
	BatchAmounts []float64       `json:"batchAmounts,omitempty"` // sibling amounts in the same batch
}

// Normalize applies the documented defaults for optional fields.
func (c *Context) Normalize() {
	if c.Profile.OpensAt == 0 && c.Profile.ClosesAt == 0 {
		c.Profile.OpensAt = 6
		c.Profile.ClosesAt = 23
	}
}

// ProviderRequest is the context sent to the risk assessment provider,
// including the base analysis so the provider sees what the heuristics saw.
type ProviderRequest struct {
	TransactionID string    `json:"transactionId"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"`
	Timestamp     time.Time `json:"timestamp"`
	BusinessID    string    `json:"businessId"`
	CustomerID    string    `json:"customerId"`
	BaseScore     int       `json:"baseScore"`
	BaseReasoning []string  `json:"baseReasoning"`
}

// ProviderAssessment is the provider's verdict.
type ProviderAssessment struct {
	RiskScore      int            `json:"riskScore"`
	RiskLevel      RiskLevel      `json:"riskLevel"`
	Confidence     float64        `json:"confidence"`
	Recommendation Recommendation `json:"recommendation"`
	Reasoning      []string       `json:"reasoning"`
	Model          string         `json:"model"`
	TokensUsed     int            `json:"tokensUsed"`
}

// RiskAssessor is the injected provider boundary: one call, bounded by the
// caller's context, with the fallback contract handled by the engine.
type RiskAssessor interface {
	AssessRisk(ctx context.Context, req ProviderRequest) (*ProviderAssessment, error)
}

// Store persists assessments for the audit trail. Assessments are
// append-only; there is no update.
type Store interface {
	Record(ctx context.Context, assessment *Assessment) error
	Get(ctx context.Context, id string) (*Assessment, error)
	ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Assessment, error)
}

// EventPublisher emits scoring events. Publishing is best-effort.
type EventPublisher interface {
	PublishHighRiskAssessment(ctx context.Context, transactionID string, level string, score int)
}
