// Package patterns implements statistical and cross-transaction analysis.
//
// Detection is purely derived from its inputs: no stores, no clocks beyond
// the provided window, no side effects. Results are safe to cache and the
// same input always produces the same output.
package patterns

import "time"

// Tunable detection thresholds. These are operational defaults, not
// validated optima; override via Config where a deployment needs to.
const (
	// DefaultZScoreThreshold flags an amount whose z-score exceeds it.
	DefaultZScoreThreshold = 2.5
	// ZScoreHigh and ZScoreCritical escalate anomaly severity.
	ZScoreHigh     = 3.0
	ZScoreCritical = 4.0

	// ExtremeRatioHigh and ExtremeRatioCritical flag amounts that dwarf the
	// batch median. Small samples produce deceptively low z-scores (three
	// values cap out near z=1.41), so the ratio rule catches what the
	// z-score rule mathematically cannot.
	ExtremeRatioHigh     = 10.0
	ExtremeRatioCritical = 50.0

	// DefaultSimilarityThreshold is the token-overlap ratio above which two
	// free-text entries are considered similar enough to cluster.
	DefaultSimilarityThreshold = 0.7
	// MinClusterSize is the smallest cluster worth reporting.
	MinClusterSize = 2

	// DefaultFrequencyCutoff flags an identifier appearing more often than
	// this within the window.
	DefaultFrequencyCutoff = 5

	// RecurringAmountFrequency is how many identical rounded amounts make a
	// recurring pattern.
	RecurringAmountFrequency = 3
	// amountBucket is the rounding granularity for recurring-amount grouping.
	amountBucket = 10.0

	// TrendBand is the week-over-week change (fraction) treated as stable.
	TrendBand = 0.05
)

// Config carries the tunable thresholds for a Detector.
type Config struct {
	ZScoreThreshold     float64
	SimilarityThreshold float64
	FrequencyCutoff     int
	OperatingHoursStart int // hour of day, inclusive
	OperatingHoursEnd   int // hour of day, exclusive
}

// DefaultConfig returns the default detection thresholds.
func DefaultConfig() Config {
	return Config{
		ZScoreThreshold:     DefaultZScoreThreshold,
		SimilarityThreshold: DefaultSimilarityThreshold,
		FrequencyCutoff:     DefaultFrequencyCutoff,
		OperatingHoursStart: 6,
		OperatingHoursEnd:   23,
	}
}

// Severity grades a detected anomaly.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AnomalyType distinguishes the rule that fired.
type AnomalyType string

const (
	AnomalyAmount    AnomalyType = "amount"
	AnomalyTiming    AnomalyType = "timing"
	AnomalyFrequency AnomalyType = "frequency"
)

// Sample is one transaction in the analysis window.
type Sample struct {
	TransactionID string    `json:"transactionId"`
	Identifier    string    `json:"identifier,omitempty"` // phone/customer identifier
	Amount        float64   `json:"amount"`
	Timestamp     time.Time `json:"timestamp"`
}

// Anomaly is one flagged transaction or identifier.
type Anomaly struct {
	Type          AnomalyType `json:"type"`
	TransactionID string      `json:"transactionId,omitempty"`
	Identifier    string      `json:"identifier,omitempty"`
	Severity      Severity    `json:"severity"`
	ZScore        float64     `json:"zScore,omitempty"`
	Probability   float64     `json:"probability,omitempty"`
	Description   string      `json:"description"`
}

// TextEntry is one free-text record for clustering.
type TextEntry struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Sentiment string `json:"sentiment,omitempty"` // positive/neutral/negative, as tagged upstream
}

// Cluster groups lexically similar text entries.
type Cluster struct {
	MemberIDs []string `json:"memberIds"`
	Theme     string   `json:"theme"`
	Sentiment string   `json:"sentiment"`
}

// RecurringAmount reports a rounded amount seen repeatedly in the window.
type RecurringAmount struct {
	Amount float64 `json:"amount"`
	Count  int     `json:"count"`
}

// TrendDirection classifies week-over-week movement.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// MetricPoint is one dated observation of a metric.
type MetricPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Trend summarizes weekly movement of one metric. The projection is a naive
// one-step linear extrapolation and is advisory only.
type Trend struct {
	Metric         string         `json:"metric"`
	WeeklyAverages []float64      `json:"weeklyAverages"`
	Direction      TrendDirection `json:"direction"`
	ChangePct      float64        `json:"changePct"`
	Projection     float64        `json:"projection"`
	Confidence     float64        `json:"confidence"`
}

// Report is the aggregate output of a full analysis pass.
type Report struct {
	Anomalies  []Anomaly         `json:"anomalies"`
	Recurring  []RecurringAmount `json:"recurring"`
	Clusters   []Cluster         `json:"clusters"`
	Trends     []Trend           `json:"trends"`
	SampleSize int               `json:"sampleSize"`
}
