package patterns

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Detector runs anomaly, frequency, clustering and trend analysis over a
// window of records. It holds no mutable state and is safe for concurrent use.
type Detector struct {
	cfg Config
}

// NewDetector creates a detector with the given thresholds.
func NewDetector(cfg Config) *Detector {
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = DefaultZScoreThreshold
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.FrequencyCutoff <= 0 {
		cfg.FrequencyCutoff = DefaultFrequencyCutoff
	}
	if cfg.OperatingHoursEnd <= cfg.OperatingHoursStart {
		def := DefaultConfig()
		cfg.OperatingHoursStart = def.OperatingHoursStart
		cfg.OperatingHoursEnd = def.OperatingHoursEnd
	}
	return &Detector{cfg: cfg}
}

// Analyze runs every detection pass over the window.
func (d *Detector) Analyze(samples []Sample, texts []TextEntry, metrics map[string][]MetricPoint) *Report {
	report := &Report{
		Anomalies:  d.DetectAnomalies(samples),
		Recurring:  d.DetectRecurringAmounts(samples),
		Clusters:   d.ClusterTexts(texts),
		SampleSize: len(samples),
	}
	for name, points := range metrics {
		if trend := d.AnalyzeTrend(name, points); trend != nil {
			report.Trends = append(report.Trends, *trend)
		}
	}
	sort.Slice(report.Trends, func(i, j int) bool { return report.Trends[i].Metric < report.Trends[j].Metric })
	return report
}

// DetectAnomalies flags amount outliers, out-of-hours transactions, and
// over-frequent identifiers.
func (d *Detector) DetectAnomalies(samples []Sample) []Anomaly {
	var anomalies []Anomaly

	anomalies = append(anomalies, d.amountAnomalies(samples)...)

	for _, s := range samples {
		hour := s.Timestamp.Hour()
		if hour < d.cfg.OperatingHoursStart || hour >= d.cfg.OperatingHoursEnd {
			anomalies = append(anomalies, Anomaly{
				Type:          AnomalyTiming,
				TransactionID: s.TransactionID,
				Severity:      SeverityMedium,
				Description: fmt.Sprintf("transaction at %02d:%02d outside operating hours %02d-%02d",
					hour, s.Timestamp.Minute(), d.cfg.OperatingHoursStart, d.cfg.OperatingHoursEnd),
			})
		}
	}

	anomalies = append(anomalies, d.frequencyAnomalies(samples)...)
	return anomalies
}

// amountAnomalies applies the z-score rule and the extreme-ratio rule.
// z = (x - mean) / stddev with population stddev over the window.
func (d *Detector) amountAnomalies(samples []Sample) []Anomaly {
	if len(samples) < 2 {
		return nil
	}

	mean := meanAmount(samples)
	stddev := stddevAmount(samples, mean)
	med := medianAmount(samples)

	var anomalies []Anomaly
	for _, s := range samples {
		var z float64
		if stddev > 0 {
			z = (s.Amount - mean) / stddev
		}

		severity := Severity("")
		switch {
		case math.Abs(z) > ZScoreCritical:
			severity = SeverityCritical
		case math.Abs(z) > ZScoreHigh:
			severity = SeverityHigh
		case math.Abs(z) > d.cfg.ZScoreThreshold:
			severity = SeverityMedium
		}

		// Ratio rule: small windows cap the achievable z-score, so a value
		// dwarfing the median is escalated even when its z-score is modest.
		if med > 0 && s.Amount > 0 {
			switch ratio := s.Amount / med; {
			case ratio > ExtremeRatioCritical:
				severity = SeverityCritical
			case ratio > ExtremeRatioHigh && severity != SeverityCritical:
				severity = SeverityHigh
			}
		}

		if severity == "" {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Type:          AnomalyAmount,
			TransactionID: s.TransactionID,
			Severity:      severity,
			ZScore:        round2(z),
			Description: fmt.Sprintf("amount %.2f deviates from window mean %.2f (z=%.2f)",
				s.Amount, mean, z),
		})
	}
	return anomalies
}

// frequencyAnomalies flags identifiers that appear more than the cutoff,
// with probability growing with the excess count.
func (d *Detector) frequencyAnomalies(samples []Sample) []Anomaly {
	counts := make(map[string]int)
	for _, s := range samples {
		if s.Identifier != "" {
			counts[s.Identifier]++
		}
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var anomalies []Anomaly
	for _, id := range ids {
		count := counts[id]
		if count <= d.cfg.FrequencyCutoff {
			continue
		}
		excess := count - d.cfg.FrequencyCutoff
		probability := math.Min(0.5+0.1*float64(excess), 0.99)
		severity := SeverityMedium
		if count > 2*d.cfg.FrequencyCutoff {
			severity = SeverityHigh
		}
		anomalies = append(anomalies, Anomaly{
			Type:        AnomalyFrequency,
			Identifier:  id,
			Severity:    severity,
			Probability: round2(probability),
			Description: fmt.Sprintf("identifier seen %d times in window (cutoff %d)", count, d.cfg.FrequencyCutoff),
		})
	}
	return anomalies
}

// DetectRecurringAmounts groups amounts rounded to the nearest bucket and
// reports buckets reaching the recurring frequency.
func (d *Detector) DetectRecurringAmounts(samples []Sample) []RecurringAmount {
	counts := make(map[float64]int)
	for _, s := range samples {
		bucket := math.Round(s.Amount/amountBucket) * amountBucket
		counts[bucket]++
	}

	var recurring []RecurringAmount
	for bucket, count := range counts {
		if count >= RecurringAmountFrequency {
			recurring = append(recurring, RecurringAmount{Amount: bucket, Count: count})
		}
	}
	sort.Slice(recurring, func(i, j int) bool { return recurring[i].Count > recurring[j].Count })
	return recurring
}

// ClusterTexts groups entries whose token-set overlap exceeds the similarity
// threshold. Single-member groups are not reported.
func (d *Detector) ClusterTexts(entries []TextEntry) []Cluster {
	tokens := make([][]string, len(entries))
	for i, e := range entries {
		tokens[i] = tokenize(e.Text)
	}

	assigned := make([]bool, len(entries))
	var clusters []Cluster

	for i := range entries {
		if assigned[i] || len(tokens[i]) == 0 {
			continue
		}
		members := []int{i}
		for j := i + 1; j < len(entries); j++ {
			if assigned[j] || len(tokens[j]) == 0 {
				continue
			}
			if tokenOverlap(tokens[i], tokens[j]) >= d.cfg.SimilarityThreshold {
				members = append(members, j)
			}
		}
		if len(members) < MinClusterSize {
			continue
		}
		for _, m := range members {
			assigned[m] = true
		}

		cluster := Cluster{
			Theme:     clusterTheme(tokens, members),
			Sentiment: dominantSentiment(entries, members),
		}
		for _, m := range members {
			cluster.MemberIDs = append(cluster.MemberIDs, entries[m].ID)
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

// AnalyzeTrend buckets points into calendar weeks, averages per week, and
// classifies the last week-over-week change. Needs at least two weeks.
func (d *Detector) AnalyzeTrend(metric string, points []MetricPoint) *Trend {
	if len(points) == 0 {
		return nil
	}

	type weekAgg struct {
		sum   float64
		count int
	}
	weeks := make(map[int64]*weekAgg)
	for _, p := range points {
		wk := p.Timestamp.Truncate(7 * 24 * time.Hour).Unix()
		agg, ok := weeks[wk]
		if !ok {
			agg = &weekAgg{}
			weeks[wk] = agg
		}
		agg.sum += p.Value
		agg.count++
	}

	keys := make([]int64, 0, len(weeks))
	for wk := range weeks {
		keys = append(keys, wk)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	averages := make([]float64, 0, len(keys))
	for _, wk := range keys {
		agg := weeks[wk]
		averages = append(averages, agg.sum/float64(agg.count))
	}
	if len(averages) < 2 {
		return nil
	}

	prev := averages[len(averages)-2]
	last := averages[len(averages)-1]
	var change float64
	if prev != 0 {
		change = (last - prev) / math.Abs(prev)
	}

	direction := TrendStable
	switch {
	case change > TrendBand:
		direction = TrendIncreasing
	case change < -TrendBand:
		direction = TrendDecreasing
	}

	return &Trend{
		Metric:         metric,
		WeeklyAverages: averages,
		Direction:      direction,
		ChangePct:      round2(change * 100),
		Projection:     round2(last + (last - prev)), // naive one-step linear
		Confidence:     0.3,                          // advisory, not predictive-grade
	}
}

// Helpers

func meanAmount(samples []Sample) float64 {
	var sum float64
	for _, s := range samples {
		sum += s.Amount
	}
	return sum / float64(len(samples))
}

func stddevAmount(samples []Sample, mean float64) float64 {
	var variance float64
	for _, s := range samples {
		diff := s.Amount - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(samples)))
}

func medianAmount(samples []Sample) float64 {
	amounts := make([]float64, len(samples))
	for i, s := range samples {
		amounts[i] = s.Amount
	}
	sort.Float64s(amounts)
	mid := len(amounts) / 2
	if len(amounts)%2 == 0 {
		return (amounts[mid-1] + amounts[mid]) / 2
	}
	return amounts[mid]
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()")
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
	}
	return tokens
}

// tokenOverlap is |A ∩ B| / min(|A|, |B|).
func tokenOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	var common int
	for _, t := range b {
		if set[t] {
			common++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(common) / float64(smaller)
}

// clusterTheme summarizes a cluster by its most shared tokens.
func clusterTheme(tokens [][]string, members []int) string {
	counts := make(map[string]int)
	for _, m := range members {
		for _, t := range tokens[m] {
			counts[t]++
		}
	}
	type tokenCount struct {
		token string
		count int
	}
	ranked := make([]tokenCount, 0, len(counts))
	for t, c := range counts {
		ranked = append(ranked, tokenCount{t, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].token < ranked[j].token
	})
	top := make([]string, 0, 3)
	for _, tc := range ranked {
		if tc.count < 2 {
			break
		}
		top = append(top, tc.token)
		if len(top) == 3 {
			break
		}
	}
	if len(top) == 0 && len(ranked) > 0 {
		top = append(top, ranked[0].token)
	}
	return strings.Join(top, " ")
}

func dominantSentiment(entries []TextEntry, members []int) string {
	counts := make(map[string]int)
	for _, m := range members {
		s := entries[m].Sentiment
		if s == "" {
			s = "neutral"
		}
		counts[s]++
	}
	best, bestCount := "neutral", 0
	for s, c := range counts {
		if c > bestCount {
			best, bestCount = s, c
		}
	}
	return best
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
