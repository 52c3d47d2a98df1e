package fraud

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
	"github.com/kvitton/backend/internal/patterns"
	"github.com/kvitton/backend/internal/workflow"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubAssessor returns a fixed verdict or error.
type stubAssessor struct {
	assessment *ProviderAssessment
	err        error
	calls      int
}

func (s *stubAssessor) AssessRisk(ctx context.Context, req ProviderRequest) (*ProviderAssessment, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.assessment, nil
}

func testTransaction(amount float64, hour int) *workflow.Transaction {
	return &workflow.Transaction{
		ID:        "txn_1",
		BatchID:   "batch_1",
		Amount:    amount,
		Currency:  "SEK",
		Timestamp: time.Date(2026, time.March, 2, hour, 15, 0, 0, time.UTC),
	}
}

func knownCustomerContext() Context {
	return Context{
		BusinessID: "biz_1",
		CustomerID: "cust_1",
		History:    CustomerHistory{TransactionCount: 20, AverageAmount: 100},
		Profile:    BusinessProfile{OpensAt: 6, ClosesAt: 23, AverageAmount: 100},
	}
}

func TestBaseAssess_Deterministic(t *testing.T) {
	e := NewEngine(nil, nil, nil, testLogger())
	txn := testTransaction(100, 12)
	tctx := knownCustomerContext()

	first := e.BaseAssess(txn, tctx)
	second := e.BaseAssess(txn, tctx)
	assert.Equal(t, first, second)
	require.Len(t, first.Factors, 4)

	var totalWeight float64
	for _, f := range first.Factors {
		totalWeight += f.Weight
		assert.GreaterOrEqual(t, f.Score, 0.0)
		assert.LessOrEqual(t, f.Score, 100.0)
		assert.NotEmpty(t, f.Description)
	}
	assert.InDelta(t, 1.0, totalWeight, 0.001)
}

func TestBaseAssess_OrdinaryTransactionScoresLow(t *testing.T) {
	e := NewEngine(nil, nil, nil, testLogger())
	base := e.BaseAssess(testTransaction(100, 12), knownCustomerContext())
	assert.Less(t, base.Score, 40)
}

func TestBaseAssess_RiskSignalsRaiseScore(t *testing.T) {
	e := NewEngine(nil, nil, nil, testLogger())

	// Huge amount, unknown customer, 03:00 at night.
	tctx := Context{BusinessID: "biz_1", Profile: BusinessProfile{AverageAmount: 100}}
	base := e.BaseAssess(testTransaction(5000, 3), tctx)
	assert.Greater(t, base.Score, 65)
}

func TestAssess_CombinesProviderAndBase(t *testing.T) {
	stub := &stubAssessor{assessment: &ProviderAssessment{
		RiskScore:      80,
		Confidence:     0.9,
		Recommendation: RecommendReview,
		Reasoning:      []string{"model flagged unusual pattern"},
		Model:          "risk-v2",
		TokensUsed:     120,
	}}
	e := NewEngine(stub, NewMemoryStore(), audit.NewMemoryStore(), testLogger())

	txn := testTransaction(100, 12)
	a := e.Assess(context.Background(), txn, knownCustomerContext())
	require.NotNil(t, a)

	base := e.BaseAssess(txn, knownCustomerContext())
	want := int(0.7*80 + 0.3*float64(base.Score) + 0.5) // round
	assert.Equal(t, want, a.RiskScore)
	assert.Equal(t, riskLevelFor(want), a.RiskLevel)
	assert.Equal(t, RecommendReview, a.Recommendation)
	assert.Equal(t, 0.9, a.Confidence)
	assert.False(t, a.AI.Fallback)
	assert.Equal(t, "risk-v2", a.AI.Model)
	assert.Equal(t, base.Score, a.BaseScore)
}

func TestAssess_ConfidenceCapped(t *testing.T) {
	stub := &stubAssessor{assessment: &ProviderAssessment{
		RiskScore:      10,
		Confidence:     1.0,
		Recommendation: RecommendApprove,
	}}
	e := NewEngine(stub, nil, nil, testLogger())

	a := e.Assess(context.Background(), testTransaction(100, 12), knownCustomerContext())
	assert.Equal(t, MaxConfidence, a.Confidence)
}

func TestAssess_SafetyOverride(t *testing.T) {
	stub := &stubAssessor{assessment: &ProviderAssessment{
		RiskScore:      5,
		Confidence:     0.9,
		Recommendation: RecommendApprove,
	}}
	e := NewEngine(stub, nil, nil, testLogger())

	// Base score above the override threshold: unknown customer, extreme
	// amount, dead of night.
	tctx := Context{BusinessID: "biz_1", Profile: BusinessProfile{AverageAmount: 100}, BatchAmounts: []float64{5000, 5000, 5000, 5000, 5000}}
	txn := testTransaction(5000, 3)
	base := e.BaseAssess(txn, tctx)
	require.Greater(t, base.Score, SafetyOverrideScore)

	a := e.Assess(context.Background(), txn, tctx)
	assert.Equal(t, RecommendReview, a.Recommendation)
}

func TestAssess_FallbackOnProviderError(t *testing.T) {
	stub := &stubAssessor{err: ErrAssessorUnavailable}
	e := NewEngine(stub, NewMemoryStore(), audit.NewMemoryStore(), testLogger())

	txn := testTransaction(100, 12)
	tctx := knownCustomerContext()
	a := e.Assess(context.Background(), txn, tctx)
	require.NotNil(t, a)

	base := e.BaseAssess(txn, tctx)
	assert.True(t, a.AI.Fallback)
	assert.Equal(t, clampScore(base.Score+FallbackSafetyMargin), a.RiskScore)
	assert.Equal(t, RiskMedium, a.RiskLevel)
	assert.Equal(t, FallbackConfidence, a.Confidence)
	assert.Equal(t, RecommendApprove, a.Recommendation)
}

func TestAssess_FallbackDeterministic(t *testing.T) {
	stub := &stubAssessor{err: errors.New("connection refused")}
	e := NewEngine(stub, nil, nil, testLogger())

	txn := testTransaction(100, 12)
	tctx := knownCustomerContext()
	first := e.Assess(context.Background(), txn, tctx)
	second := e.Assess(context.Background(), txn, tctx)

	assert.Equal(t, first.RiskScore, second.RiskScore)
	assert.Equal(t, first.RiskLevel, second.RiskLevel)
	assert.Equal(t, first.Confidence, second.Confidence)
	assert.Equal(t, first.Recommendation, second.Recommendation)
}

func TestAssess_FallbackReviewAboveThreshold(t *testing.T) {
	stub := &stubAssessor{err: ErrAssessorUnavailable}
	e := NewEngine(stub, nil, nil, testLogger())

	tctx := Context{
		BusinessID:   "biz_1",
		Profile:      BusinessProfile{AverageAmount: 100},
		BatchAmounts: []float64{5000, 5000, 5000, 5000, 5000},
	}
	txn := testTransaction(5000, 3)
	base := e.BaseAssess(txn, tctx)
	require.Greater(t, base.Score, FallbackReviewThreshold)

	a := e.Assess(context.Background(), txn, tctx)
	assert.Equal(t, RecommendReview, a.Recommendation)
}

func TestAssess_NoProviderConfigured(t *testing.T) {
	e := NewEngine(nil, nil, nil, testLogger())
	a := e.Assess(context.Background(), testTransaction(100, 12), knownCustomerContext())
	require.NotNil(t, a)
	assert.True(t, a.AI.Fallback)
	assert.Equal(t, "no provider configured", a.AI.FallbackReason)
}

func TestAssess_PersistsAndAudits(t *testing.T) {
	store := NewMemoryStore()
	auditStore := audit.NewMemoryStore()
	e := NewEngine(nil, store, auditStore, testLogger())

	a := e.Assess(context.Background(), testTransaction(100, 12), knownCustomerContext())

	stored, err := store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.RiskScore, stored.RiskScore)

	entries, err := auditStore.ListByEntity(context.Background(), audit.EntityAssessment, a.ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, audit.ActionAssessmentRecorded, entries[0].Action)
	assert.Equal(t, "txn_1", entries[0].Details["transaction_id"])
}

func TestRiskLevelThresholds(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, RiskLow},
		{39, RiskLow},
		{40, RiskMedium},
		{64, RiskMedium},
		{65, RiskHigh},
		{84, RiskHigh},
		{85, RiskCritical},
		{100, RiskCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, riskLevelFor(tt.score), "score %d", tt.score)
	}
}

func TestAssessBatch_WorkerPoolScoresAll(t *testing.T) {
	stub := &stubAssessor{assessment: &ProviderAssessment{
		RiskScore:      20,
		Confidence:     0.8,
		Recommendation: RecommendApprove,
	}}
	e := NewEngine(stub, NewMemoryStore(), nil, testLogger()).WithWorkers(3)

	txns := make([]*workflow.Transaction, 10)
	for i := range txns {
		txn := testTransaction(100, 12)
		txn.ID = "txn_" + string(rune('a'+i))
		txns[i] = txn
	}

	result := e.AssessBatch(context.Background(), txns, knownCustomerContext())
	assert.Len(t, result.Assessments, 10)
	assert.Empty(t, result.FailedIDs)
	assert.Equal(t, 10, stub.calls)
}

func TestAssessBatch_PatternEnrichment(t *testing.T) {
	e := NewEngine(nil, nil, nil, testLogger()).
		WithDetector(patterns.NewDetector(patterns.DefaultConfig()))

	txns := []*workflow.Transaction{
		{ID: "t1", Amount: 500, Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC), SenderNumber: "+46701"},
		{ID: "t2", Amount: 520, Timestamp: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), SenderNumber: "+46702"},
		{ID: "t3", Amount: 50000, Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC), SenderNumber: "+46703"},
	}

	result := e.AssessBatch(context.Background(), txns, Context{BusinessID: "biz_1"})
	require.Len(t, result.Assessments, 3)

	var flagged *Assessment
	for _, a := range result.Assessments {
		if a.TransactionID == "t3" {
			flagged = a
		}
	}
	require.NotNil(t, flagged)
	require.Len(t, flagged.Patterns, 1)
	assert.Equal(t, patterns.SeverityCritical, flagged.Patterns[0].Severity)
}

func TestAssessBatch_SmallBatchSkipsPatterns(t *testing.T) {
	e := NewEngine(nil, nil, nil, testLogger()).
		WithDetector(patterns.NewDetector(patterns.DefaultConfig()))

	txns := []*workflow.Transaction{
		{ID: "t1", Amount: 500, Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{ID: "t2", Amount: 50000, Timestamp: time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)},
	}

	result := e.AssessBatch(context.Background(), txns, Context{BusinessID: "biz_1"})
	require.Len(t, result.Assessments, 2)
	for _, a := range result.Assessments {
		assert.Empty(t, a.Patterns)
	}
}

func TestAssessBatch_Empty(t *testing.T) {
	e := NewEngine(nil, nil, nil, testLogger())
	result := e.AssessBatch(context.Background(), nil, Context{})
	assert.Empty(t, result.Assessments)
	assert.Empty(t, result.FailedIDs)
}
