package fraud

import (
	"context"
	"sync"

	"github.com/kvitton/backend/internal/patterns"
	"github.com/kvitton/backend/internal/workflow"
)

// minBatchForPatterns is the smallest batch worth running cross-transaction
// pattern analysis on.
const minBatchForPatterns = 3

// BatchResult collects the outcome of scoring a whole batch.
type BatchResult struct {
	Assessments []*Assessment
	FailedIDs   []string
}

// WithDetector enables cross-transaction pattern enrichment for batch
// scoring.
func (e *Engine) WithDetector(d *patterns.Detector) *Engine {
	e.detector = d
	return e
}

// AssessBatch scores every transaction in a batch through a bounded worker
// pool. Each transaction is scored independently; a failure on one never
// blocks the rest. For batches of three or more, batch-level anomalies are
// attached to the assessments of the transactions they implicate.
func (e *Engine) AssessBatch(ctx context.Context, txns []*workflow.Transaction, tctx Context) *BatchResult {
	if len(txns) == 0 {
		return &BatchResult{}
	}

	amounts := make([]float64, len(txns))
	for i, t := range txns {
		amounts[i] = t.Amount
	}
	tctx.BatchAmounts = amounts

	anomaliesByTxn := e.batchAnomalies(txns)

	type scored struct {
		index      int
		assessment *Assessment
	}

	jobs := make(chan int)
	results := make(chan scored, len(txns))

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				a := e.Assess(ctx, txns[i], tctx)
				if a != nil {
					a.Patterns = anomaliesByTxn[txns[i].ID]
				}
				results <- scored{index: i, assessment: a}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range txns {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	assessments := make([]*Assessment, len(txns))
	for s := range results {
		assessments[s.index] = s.assessment
	}

	out := &BatchResult{}
	for i, a := range assessments {
		if a == nil {
			out.FailedIDs = append(out.FailedIDs, txns[i].ID)
			continue
		}
		out.Assessments = append(out.Assessments, a)
	}
	return out
}

// batchAnomalies runs the pattern detector over the batch and indexes the
// findings by transaction.
func (e *Engine) batchAnomalies(txns []*workflow.Transaction) map[string][]patterns.Anomaly {
	if e.detector == nil || len(txns) < minBatchForPatterns {
		return nil
	}

	samples := make([]patterns.Sample, len(txns))
	identifiers := make(map[string][]string) // identifier -> transaction IDs
	for i, t := range txns {
		samples[i] = patterns.Sample{
			TransactionID: t.ID,
			Identifier:    t.SenderNumber,
			Amount:        t.Amount,
			Timestamp:     t.Timestamp,
		}
		identifiers[t.SenderNumber] = append(identifiers[t.SenderNumber], t.ID)
	}

	anomalies := e.detector.DetectAnomalies(samples)
	if len(anomalies) == 0 {
		return nil
	}

	byTxn := make(map[string][]patterns.Anomaly)
	for _, a := range anomalies {
		if a.TransactionID != "" {
			byTxn[a.TransactionID] = append(byTxn[a.TransactionID], a)
			continue
		}
		// Frequency anomalies implicate an identifier; attach the finding to
		// every transaction from that identifier.
		for _, id := range identifiers[a.Identifier] {
			byTxn[id] = append(byTxn[id], a)
		}
	}
	return byTxn
}
