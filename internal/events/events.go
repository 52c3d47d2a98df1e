// Package events publishes workflow lifecycle events to Kafka.
//
// Publishing is best-effort and asynchronous: the writer buffers and flushes
// in the background, and a broker outage never fails a workflow call. A nil
// Publisher is valid and drops everything, which is the configuration for
// deployments without a broker.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Topic carrying all verification lifecycle events.
const Topic = "kvitton.verification.events"

// Event types.
const (
	TypeSessionCompleted   = "session_completed"
	TypeBatchAutoApproved  = "batch_auto_approved"
	TypeHighRiskAssessment = "high_risk_assessment"
)

// Event is the envelope written to the topic, keyed by batch or transaction
// so per-entity ordering is preserved within a partition.
type Event struct {
	Type       string    `json:"type"`
	BatchID    string    `json:"batchId,omitempty"`
	SessionID  string    `json:"sessionId,omitempty"`
	TxnID      string    `json:"transactionId,omitempty"`
	RiskLevel  string    `json:"riskLevel,omitempty"`
	RiskScore  int       `json:"riskScore,omitempty"`
	Approved   int       `json:"approved,omitempty"`
	Rejected   int       `json:"rejected,omitempty"`
	Count      int       `json:"count,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Publisher writes events to Kafka. The zero value / nil publisher is a no-op.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher creates an async publisher against the given broker.
func NewPublisher(broker string, logger *slog.Logger) *Publisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Topic:        Topic,
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		BatchTimeout: 100 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn("event publish failed", "count", len(messages), "error", err)
			}
		},
	}
	return &Publisher{writer: w, logger: logger}
}

// Close flushes buffered events.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func (p *Publisher) publish(ctx context.Context, key string, event Event) {
	if p == nil || p.writer == nil {
		return
	}
	event.OccurredAt = time.Now().UTC()
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("event encode failed", "type", event.Type, "error", err)
		return
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		p.logger.Warn("event write failed", "type", event.Type, "error", err)
	}
}

func (p *Publisher) PublishSessionCompleted(ctx context.Context, batchID, sessionID string, approved, rejected int) {
	p.publish(ctx, batchID, Event{
		Type:      TypeSessionCompleted,
		BatchID:   batchID,
		SessionID: sessionID,
		Approved:  approved,
		Rejected:  rejected,
	})
}

func (p *Publisher) PublishBatchAutoApproved(ctx context.Context, batchID string, autoApproved int) {
	p.publish(ctx, batchID, Event{
		Type:    TypeBatchAutoApproved,
		BatchID: batchID,
		Count:   autoApproved,
	})
}

func (p *Publisher) PublishHighRiskAssessment(ctx context.Context, transactionID string, level string, score int) {
	p.publish(ctx, transactionID, Event{
		Type:      TypeHighRiskAssessment,
		TxnID:     transactionID,
		RiskLevel: level,
		RiskScore: score,
	})
}
