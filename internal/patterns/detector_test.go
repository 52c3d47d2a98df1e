package patterns

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func businessHours(day int, hour int) time.Time {
	return time.Date(2026, time.March, day, hour, 30, 0, 0, time.UTC)
}

func TestDetectAnomalies_ExtremeOutlierInSmallWindow(t *testing.T) {
	d := NewDetector(DefaultConfig())

	// Three samples cap the achievable z-score near 1.41, below any usable
	// z threshold. The ratio rule must still flag the outlier.
	samples := []Sample{
		{TransactionID: "t1", Amount: 500, Timestamp: businessHours(2, 10)},
		{TransactionID: "t2", Amount: 520, Timestamp: businessHours(2, 11)},
		{TransactionID: "t3", Amount: 50000, Timestamp: businessHours(2, 12)},
	}

	anomalies := d.DetectAnomalies(samples)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, AnomalyAmount, a.Type)
	assert.Equal(t, "t3", a.TransactionID)
	// 50000 / median 520 > 50x.
	assert.Equal(t, SeverityCritical, a.Severity)
	assert.InDelta(t, 1.41, a.ZScore, 0.01)
}

func TestDetectAnomalies_ZScoreInLargeWindow(t *testing.T) {
	d := NewDetector(DefaultConfig())

	// 99 samples at 100 and one at 200: mean 101, stddev ~10, z ~9.9.
	samples := make([]Sample, 0, 100)
	for i := 0; i < 99; i++ {
		samples = append(samples, Sample{
			TransactionID: fmt.Sprintf("t%d", i),
			Amount:        100,
			Timestamp:     businessHours(3, 10),
		})
	}
	samples = append(samples, Sample{TransactionID: "outlier", Amount: 200, Timestamp: businessHours(3, 10)})

	anomalies := d.DetectAnomalies(samples)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "outlier", anomalies[0].TransactionID)
	assert.Equal(t, SeverityCritical, anomalies[0].Severity)
	assert.Greater(t, anomalies[0].ZScore, 4.0)
}

func TestDetectAnomalies_UniformAmountsClean(t *testing.T) {
	d := NewDetector(DefaultConfig())

	samples := []Sample{
		{TransactionID: "t1", Amount: 100, Timestamp: businessHours(4, 10)},
		{TransactionID: "t2", Amount: 100, Timestamp: businessHours(4, 11)},
		{TransactionID: "t3", Amount: 100, Timestamp: businessHours(4, 12)},
	}
	assert.Empty(t, d.DetectAnomalies(samples))
}

func TestDetectAnomalies_OutsideOperatingHours(t *testing.T) {
	d := NewDetector(DefaultConfig())

	samples := []Sample{
		{TransactionID: "day", Amount: 100, Timestamp: businessHours(5, 14)},
		{TransactionID: "night", Amount: 100, Timestamp: businessHours(5, 3)},
	}

	anomalies := d.DetectAnomalies(samples)
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyTiming, anomalies[0].Type)
	assert.Equal(t, "night", anomalies[0].TransactionID)
	assert.Equal(t, SeverityMedium, anomalies[0].Severity)
}

func TestDetectAnomalies_FrequencyCutoff(t *testing.T) {
	d := NewDetector(DefaultConfig())

	var samples []Sample
	for i := 0; i < 7; i++ {
		samples = append(samples, Sample{
			TransactionID: fmt.Sprintf("t%d", i),
			Identifier:    "+46701234567",
			Amount:        100,
			Timestamp:     businessHours(6, 10),
		})
	}
	samples = append(samples, Sample{
		TransactionID: "other", Identifier: "+46709999999", Amount: 100, Timestamp: businessHours(6, 10),
	})

	anomalies := d.DetectAnomalies(samples)
	require.Len(t, anomalies, 1)
	a := anomalies[0]
	assert.Equal(t, AnomalyFrequency, a.Type)
	assert.Equal(t, "+46701234567", a.Identifier)
	// 7 occurrences, cutoff 5: probability 0.5 + 0.1*2.
	assert.InDelta(t, 0.7, a.Probability, 0.001)
}

func TestDetectRecurringAmounts(t *testing.T) {
	d := NewDetector(DefaultConfig())

	samples := []Sample{
		{TransactionID: "t1", Amount: 99.50},
		{TransactionID: "t2", Amount: 101.00},
		{TransactionID: "t3", Amount: 103.20},
		{TransactionID: "t4", Amount: 250.00},
		{TransactionID: "t5", Amount: 251.00},
	}

	recurring := d.DetectRecurringAmounts(samples)
	require.Len(t, recurring, 1)
	// 99.50, 101.00 and 103.20 all round to the 100 bucket.
	assert.Equal(t, 100.0, recurring[0].Amount)
	assert.Equal(t, 3, recurring[0].Count)
}

func TestClusterTexts(t *testing.T) {
	d := NewDetector(DefaultConfig())

	entries := []TextEntry{
		{ID: "r1", Text: "great service and fast delivery", Sentiment: "positive"},
		{ID: "r2", Text: "great service and fast delivery", Sentiment: "positive"},
		{ID: "r3", Text: "great fast delivery and service", Sentiment: "neutral"},
		{ID: "r4", Text: "terrible experience never again", Sentiment: "negative"},
	}

	clusters := d.ClusterTexts(entries)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"r1", "r2", "r3"}, clusters[0].MemberIDs)
	assert.Equal(t, "positive", clusters[0].Sentiment)
	assert.NotEmpty(t, clusters[0].Theme)
}

func TestClusterTexts_SingletonsNotReported(t *testing.T) {
	d := NewDetector(DefaultConfig())

	entries := []TextEntry{
		{ID: "r1", Text: "completely unique feedback one"},
		{ID: "r2", Text: "something entirely different here"},
	}
	assert.Empty(t, d.ClusterTexts(entries))
}

func TestAnalyzeTrend(t *testing.T) {
	d := NewDetector(DefaultConfig())

	week1 := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	week2 := week1.Add(7 * 24 * time.Hour)

	points := []MetricPoint{
		{Timestamp: week1, Value: 100},
		{Timestamp: week1.Add(time.Hour), Value: 100},
		{Timestamp: week2, Value: 120},
	}

	trend := d.AnalyzeTrend("avg_amount", points)
	require.NotNil(t, trend)
	assert.Equal(t, TrendIncreasing, trend.Direction)
	assert.InDelta(t, 20.0, trend.ChangePct, 0.001)
	assert.InDelta(t, 140.0, trend.Projection, 0.001)
	assert.Len(t, trend.WeeklyAverages, 2)
}

func TestAnalyzeTrend_StableWithinBand(t *testing.T) {
	d := NewDetector(DefaultConfig())

	week1 := time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)
	week2 := week1.Add(7 * 24 * time.Hour)

	points := []MetricPoint{
		{Timestamp: week1, Value: 100},
		{Timestamp: week2, Value: 103},
	}

	trend := d.AnalyzeTrend("verification_rate", points)
	require.NotNil(t, trend)
	assert.Equal(t, TrendStable, trend.Direction)
}

func TestAnalyzeTrend_SingleWeekIsNil(t *testing.T) {
	d := NewDetector(DefaultConfig())
	points := []MetricPoint{{Timestamp: time.Now(), Value: 1}}
	assert.Nil(t, d.AnalyzeTrend("m", points))
	assert.Nil(t, d.AnalyzeTrend("m", nil))
}

func TestAnalyze_DeterministicReport(t *testing.T) {
	d := NewDetector(DefaultConfig())

	samples := []Sample{
		{TransactionID: "t1", Amount: 500, Timestamp: businessHours(2, 10)},
		{TransactionID: "t2", Amount: 520, Timestamp: businessHours(2, 11)},
		{TransactionID: "t3", Amount: 50000, Timestamp: businessHours(2, 12)},
	}

	first := d.Analyze(samples, nil, nil)
	second := d.Analyze(samples, nil, nil)
	assert.Equal(t, first, second)
	assert.Equal(t, 3, first.SampleSize)
}
