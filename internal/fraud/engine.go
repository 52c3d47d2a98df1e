package fraud

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/kvitton/backend/internal/audit"
	"github.com/kvitton/backend/internal/idgen"
	"github.com/kvitton/backend/internal/metrics"
	"github.com/kvitton/backend/internal/patterns"
	"github.com/kvitton/backend/internal/workflow"
)

// Factor weights. The base score is the weighted sum of the four sub-scores,
// clamped to [0,100].
const (
	weightAmountDeviation = 0.35
	weightHistory         = 0.25
	weightTiming          = 0.20
	weightDuplicates      = 0.20
)

// Combination and fallback constants.
const (
	// AIWeight and BaseWeight blend the provider score with the base score.
	AIWeight   = 0.7
	BaseWeight = 0.3

	// Risk level thresholds, shared by base and combined scoring so the
	// combination step alone never reclassifies a transaction.
	thresholdMedium   = 40
	thresholdHigh     = 65
	thresholdCritical = 85

	// SafetyOverrideScore: above this base score the provider cannot soften
	// the outcome below "review".
	SafetyOverrideScore = 80

	// FallbackSafetyMargin is added to the base score when the provider is
	// unavailable.
	FallbackSafetyMargin = 15
	// FallbackConfidence is the fixed confidence of a fallback assessment.
	FallbackConfidence = 0.5
	// FallbackReviewThreshold: above this base score a fallback recommends
	// review instead of approve.
	FallbackReviewThreshold = 70

	// MaxConfidence caps every reported confidence. The engine never claims
	// certainty.
	MaxConfidence = 0.95
)

// riskLevelFor maps a score to its band.
func riskLevelFor(score int) RiskLevel {
	switch {
	case score < thresholdMedium:
		return RiskLow
	case score < thresholdHigh:
		return RiskMedium
	case score < thresholdCritical:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// BaseAnalysis is the deterministic heuristic half of an assessment.
type BaseAnalysis struct {
	Score     int
	Factors   []Factor
	Reasoning []string
}

// Engine computes fraud assessments. Assess never returns an error and never
// blocks past the assessor's timeout budget: any internal failure degrades to
// the deterministic fallback.
type Engine struct {
	assessor RiskAssessor
	store    Store
	audit    audit.Store
	logger   *slog.Logger
	events   EventPublisher
	detector *patterns.Detector
	workers  int
}

// NewEngine creates a scoring engine. A nil assessor means every assessment
// takes the fallback path, which is the correct behavior for deployments
// without a provider.
func NewEngine(assessor RiskAssessor, store Store, auditStore audit.Store, logger *slog.Logger) *Engine {
	return &Engine{
		assessor: assessor,
		store:    store,
		audit:    auditStore,
		logger:   logger,
		workers:  4,
	}
}

// WithWorkers sets the bounded pool size for batch scoring.
func (e *Engine) WithWorkers(n int) *Engine {
	if n > 0 {
		e.workers = n
	}
	return e
}

// WithEvents adds best-effort event publishing for high-risk assessments.
func (e *Engine) WithEvents(p EventPublisher) *Engine {
	e.events = p
	return e
}

// BaseAssess computes the heuristic base score from independent factors.
// Deterministic: the same transaction and context always score the same.
func (e *Engine) BaseAssess(txn *workflow.Transaction, tctx Context) BaseAnalysis {
	tctx.Normalize()

	factors := []Factor{
		amountDeviationFactor(txn, tctx),
		historyFactor(tctx),
		timingFactor(txn, tctx),
		duplicateFactor(txn, tctx),
	}

	var weighted float64
	reasoning := make([]string, 0, len(factors))
	for _, f := range factors {
		weighted += f.Score * f.Weight
		reasoning = append(reasoning, f.Description)
	}

	return BaseAnalysis{
		Score:     clampScore(int(math.Round(weighted))),
		Factors:   factors,
		Reasoning: reasoning,
	}
}

// Assess scores one transaction. On provider failure it returns the
// deterministic fallback; on anything unexpected it recovers and falls back
// rather than propagating.
func (e *Engine) Assess(ctx context.Context, txn *workflow.Transaction, tctx Context) (assessment *Assessment) {
	base := e.BaseAssess(txn, tctx)

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic during assessment, falling back",
				"transaction_id", txn.ID, "panic", fmt.Sprint(r))
			assessment = e.fallback(txn, base, "internal scoring error")
			e.finish(ctx, assessment)
		}
	}()

	if e.assessor == nil {
		assessment = e.fallback(txn, base, "no provider configured")
		e.finish(ctx, assessment)
		return assessment
	}

	start := time.Now()
	provider, err := e.assessor.AssessRisk(ctx, ProviderRequest{
		TransactionID: txn.ID,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Timestamp:     txn.Timestamp,
		BusinessID:    tctx.BusinessID,
		CustomerID:    tctx.CustomerID,
		BaseScore:     base.Score,
		BaseReasoning: base.Reasoning,
	})
	if err != nil {
		e.logger.Warn("risk assessor failed, using fallback",
			"transaction_id", txn.ID, "error", err)
		metrics.AIFallbacksTotal.Inc()
		assessment = e.fallback(txn, base, err.Error())
		e.finish(ctx, assessment)
		return assessment
	}

	assessment = e.combine(txn, base, provider, time.Since(start))
	e.finish(ctx, assessment)
	return assessment
}

// combine blends the provider verdict with the base analysis.
func (e *Engine) combine(txn *workflow.Transaction, base BaseAnalysis, provider *ProviderAssessment, latency time.Duration) *Assessment {
	final := clampScore(int(math.Round(AIWeight*float64(provider.RiskScore) + BaseWeight*float64(base.Score))))

	recommendation := provider.Recommendation
	reasoning := append(append([]string{}, base.Reasoning...), provider.Reasoning...)

	// Safety override: the non-AI signal can make the outcome more
	// conservative, never less.
	if base.Score > SafetyOverrideScore && recommendation == RecommendApprove {
		recommendation = RecommendReview
		reasoning = append(reasoning,
			fmt.Sprintf("base score %d exceeds %d, provider approval downgraded to review", base.Score, SafetyOverrideScore))
	}

	return &Assessment{
		ID:             idgen.WithPrefix("fa_"),
		TransactionID:  txn.ID,
		RiskScore:      final,
		RiskLevel:      riskLevelFor(final),
		Confidence:     math.Min(provider.Confidence, MaxConfidence),
		Recommendation: recommendation,
		Reasoning:      reasoning,
		BaseScore:      base.Score,
		Factors:        base.Factors,
		AI: AIMetadata{
			Model:      provider.Model,
			TokensUsed: provider.TokensUsed,
			LatencyMS:  latency.Milliseconds(),
		},
		CreatedAt: time.Now().UTC(),
	}
}

// fallback builds the deterministic conservative assessment from the base
// analysis alone. Reproducible: repeated provider failures yield the same
// result for the same input.
func (e *Engine) fallback(txn *workflow.Transaction, base BaseAnalysis, reason string) *Assessment {
	recommendation := RecommendApprove
	if base.Score > FallbackReviewThreshold {
		recommendation = RecommendReview
	}

	reasoning := append(append([]string{}, base.Reasoning...),
		"risk assessment provider unavailable, conservative fallback applied")

	return &Assessment{
		ID:             idgen.WithPrefix("fa_"),
		TransactionID:  txn.ID,
		RiskScore:      clampScore(base.Score + FallbackSafetyMargin),
		RiskLevel:      RiskMedium, // conservative default regardless of score
		Confidence:     FallbackConfidence,
		Recommendation: recommendation,
		Reasoning:      reasoning,
		BaseScore:      base.Score,
		Factors:        base.Factors,
		AI: AIMetadata{
			Fallback:       true,
			FallbackReason: reason,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// finish persists and audits an assessment. Both are log-and-continue: the
// caller always gets the assessment back.
func (e *Engine) finish(ctx context.Context, a *Assessment) {
	metrics.AssessmentsTotal.WithLabelValues(string(a.RiskLevel)).Inc()

	if e.store != nil {
		if err := e.store.Record(ctx, a); err != nil {
			e.logger.Warn("failed to persist assessment",
				"assessment_id", a.ID, "transaction_id", a.TransactionID, "error", err)
		}
	}
	if e.audit != nil {
		entry := audit.NewEntry(audit.SystemActor, audit.ActionAssessmentRecorded,
			audit.EntityAssessment, a.ID, "", string(a.RiskLevel)).
			WithDetail("transaction_id", a.TransactionID).
			WithDetail("risk_score", fmt.Sprintf("%d", a.RiskScore)).
			WithDetail("recommendation", string(a.Recommendation))
		if a.AI.Fallback {
			entry.WithDetail("fallback", "true")
		}
		if err := e.audit.Append(ctx, entry); err != nil {
			e.logger.Warn("failed to audit assessment", "assessment_id", a.ID, "error", err)
		}
	}
	if e.events != nil && (a.RiskLevel == RiskHigh || a.RiskLevel == RiskCritical) {
		e.events.PublishHighRiskAssessment(ctx, a.TransactionID, string(a.RiskLevel), a.RiskScore)
	}
}

// Factor computations. Each yields a 0-100 sub-score and a description.

func amountDeviationFactor(txn *workflow.Transaction, tctx Context) Factor {
	reference := tctx.History.AverageAmount
	source := "customer average"
	if reference == 0 {
		reference = tctx.Profile.AverageAmount
		source = "business average"
	}

	var score float64
	var desc string
	if reference == 0 {
		score = 30 // no norm to compare against is itself mild risk
		desc = fmt.Sprintf("amount %.2f with no reference average available", txn.Amount)
	} else {
		ratio := txn.Amount / reference
		switch {
		case ratio >= 10:
			score = 95
		case ratio >= 5:
			score = 80
		case ratio >= 3:
			score = 60
		case ratio >= 2:
			score = 40
		case ratio >= 0.5:
			score = 10
		default:
			score = 20 // suspiciously small also deviates
		}
		desc = fmt.Sprintf("amount %.2f is %.1fx the %s %.2f", txn.Amount, ratio, source, reference)
	}

	return Factor{Name: "amount_deviation", Score: score, Weight: weightAmountDeviation, Description: desc}
}

func historyFactor(tctx Context) Factor {
	count := tctx.History.TransactionCount
	var score float64
	var desc string
	switch {
	case count == 0:
		score = 60
		desc = "first transaction from this customer"
	case count < 3:
		score = 40
		desc = fmt.Sprintf("limited customer history (%d transactions)", count)
	case count < 10:
		score = 20
		desc = fmt.Sprintf("moderate customer history (%d transactions)", count)
	default:
		score = 5
		desc = fmt.Sprintf("established customer (%d transactions)", count)
	}
	return Factor{Name: "customer_history", Score: score, Weight: weightHistory, Description: desc}
}

func timingFactor(txn *workflow.Transaction, tctx Context) Factor {
	hour := txn.Timestamp.Hour()
	opens, closes := tctx.Profile.OpensAt, tctx.Profile.ClosesAt

	var score float64
	var desc string
	switch {
	case hour >= opens && hour < closes:
		score = 5
		desc = fmt.Sprintf("transaction at %02d:00 within operating hours %02d-%02d", hour, opens, closes)
	case hour >= 2 && hour < 5:
		score = 90
		desc = fmt.Sprintf("transaction at %02d:00 in the dead of night", hour)
	default:
		score = 60
		desc = fmt.Sprintf("transaction at %02d:00 outside operating hours %02d-%02d", hour, opens, closes)
	}
	return Factor{Name: "timing", Score: score, Weight: weightTiming, Description: desc}
}

func duplicateFactor(txn *workflow.Transaction, tctx Context) Factor {
	var duplicates int
	for _, amount := range tctx.BatchAmounts {
		if math.Abs(amount-txn.Amount) < 1.0 {
			duplicates++
		}
	}
	// The transaction's own amount may be in the batch list.
	if duplicates > 0 {
		duplicates--
	}

	var score float64
	var desc string
	switch {
	case duplicates == 0:
		score = 0
		desc = "no near-duplicate amounts in batch"
	case duplicates < 3:
		score = 40
		desc = fmt.Sprintf("%d near-duplicate amounts in batch", duplicates)
	default:
		score = 85
		desc = fmt.Sprintf("%d near-duplicate amounts in batch", duplicates)
	}
	return Factor{Name: "duplicates", Score: score, Weight: weightDuplicates, Description: desc}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
