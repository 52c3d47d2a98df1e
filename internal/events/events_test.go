package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilPublisherIsNoOp(t *testing.T) {
	var p *Publisher
	ctx := context.Background()

	// None of these may panic or block.
	p.PublishSessionCompleted(ctx, "batch_1", "sess_1", 3, 1)
	p.PublishBatchAutoApproved(ctx, "batch_1", 4)
	p.PublishHighRiskAssessment(ctx, "txn_1", "critical", 90)
	assert.NoError(t, p.Close())
}

func TestZeroPublisherIsNoOp(t *testing.T) {
	p := &Publisher{}
	p.PublishSessionCompleted(context.Background(), "batch_1", "sess_1", 0, 0)
	assert.NoError(t, p.Close())
}

func TestEventEnvelope(t *testing.T) {
	e := Event{
		Type:       TypeHighRiskAssessment,
		TxnID:      "txn_1",
		RiskLevel:  "high",
		RiskScore:  72,
		OccurredAt: time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC),
	}

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "high_risk_assessment", decoded["type"])
	assert.Equal(t, "txn_1", decoded["transactionId"])
	assert.Equal(t, float64(72), decoded["riskScore"])
	// Zero-valued fields stay off the wire.
	assert.NotContains(t, decoded, "batchId")
	assert.NotContains(t, decoded, "approved")
}
