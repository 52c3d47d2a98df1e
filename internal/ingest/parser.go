package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/kvitton/backend/internal/idgen"
	"github.com/kvitton/backend/internal/validation"
	"github.com/kvitton/backend/internal/workflow"
)

// Ingestor turns raw batch input into workflow entities.
type Ingestor struct {
	cfg Config
}

// NewIngestor creates an ingestor with the given limits.
func NewIngestor(cfg Config) *Ingestor {
	if cfg.Currency == "" {
		cfg.Currency = SupportedCurrency
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = DefaultMaxAmount
	}
	return &Ingestor{cfg: cfg}
}

// Parse reads a CSV batch and returns the validated batch plus its
// transactions, or a structural error / *ValidationError. The verification
// deadline is fixed here, at receipt, and never extended afterwards.
// Caller-supplied metadata is stored verbatim.
func (ing *Ingestor) Parse(r io.Reader, businessID string, metadata map[string]string, receivedAt time.Time) (*workflow.PaymentBatch, []*workflow.Transaction, *Summary, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // shape is validated explicitly below

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil, nil, ErrEmptyInput
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read batch header: %w", err)
	}
	if err := validateHeader(header); err != nil {
		return nil, nil, nil, err
	}

	batchID := idgen.WithPrefix("batch_")
	now := receivedAt.UTC()

	var (
		txns      []*workflow.Transaction
		rowErrors []RowError
		total     float64
		rowNum    int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to read batch row: %w", err)
		}
		rowNum++

		if len(record) != len(Columns) {
			rowErrors = append(rowErrors, RowError{
				Row:        rowNum,
				Violations: []string{fmt.Sprintf("expected %d fields, got %d", len(Columns), len(record))},
			})
			continue
		}

		row := rowFromRecord(record)
		violations := ing.validateRow(row, receivedAt)
		if len(violations) > 0 {
			rowErrors = append(rowErrors, RowError{Row: rowNum, Violations: violations})
			continue
		}

		amount, _ := validation.ParseAmount(row.amount)
		ts, _ := time.Parse(time.RFC3339, row.timestamp)
		total += amount
		txns = append(txns, &workflow.Transaction{
			ID:                 idgen.WithPrefix("txn_"),
			BatchID:            batchID,
			SwishReference:     row.reference,
			Amount:             amount,
			Currency:           row.currency,
			RecipientName:      row.recipientName,
			RecipientNumber:    validation.NormalizePhone(row.recipientNumber),
			SenderName:         row.senderName,
			SenderNumber:       validation.NormalizePhone(row.senderNumber),
			Message:            validation.SanitizeString(row.message, validation.MaxStringLength),
			Timestamp:          ts.UTC(),
			PaymentStatus:      row.status,
			VerificationStatus: workflow.VerificationPending,
			UpdateVersion:      1,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
	}

	if len(rowErrors) > 0 {
		return nil, nil, nil, &ValidationError{Rows: rowErrors}
	}

	batch := &workflow.PaymentBatch{
		ID:                   batchID,
		BusinessID:           businessID,
		Status:               workflow.BatchPending,
		TransactionCount:     len(txns),
		TotalAmount:          total,
		Currency:             ing.cfg.Currency,
		VerificationDeadline: now.Add(ing.cfg.VerificationWindow),
		Metadata:             metadata,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	return batch, txns, &Summary{Rows: len(txns), Columns: len(Columns)}, nil
}

type row struct {
	reference       string
	amount          string
	currency        string
	recipientName   string
	recipientNumber string
	senderName      string
	senderNumber    string
	message         string
	timestamp       string
	status          string
}

func rowFromRecord(record []string) row {
	return row{
		reference:       record[0],
		amount:          record[1],
		currency:        record[2],
		recipientName:   record[3],
		recipientNumber: record[4],
		senderName:      record[5],
		senderNumber:    record[6],
		message:         record[7],
		timestamp:       record[8],
		status:          record[9],
	}
}

// validateRow applies every semantic rule and returns all violations.
func (ing *Ingestor) validateRow(r row, receivedAt time.Time) []string {
	var violations []string

	if !validation.IsValidSwishReference(r.reference) {
		violations = append(violations, fmt.Sprintf("reference %q is not a valid payment reference", r.reference))
	}

	amount, ok := validation.ParseAmount(r.amount)
	switch {
	case !ok:
		violations = append(violations, fmt.Sprintf("amount %q is not a two-decimal number", r.amount))
	case amount <= 0:
		violations = append(violations, "amount must be positive")
	case amount > ing.cfg.MaxAmount:
		violations = append(violations, fmt.Sprintf("amount %.2f exceeds maximum %.2f", amount, ing.cfg.MaxAmount))
	}

	if r.currency != ing.cfg.Currency {
		violations = append(violations, fmt.Sprintf("currency %q is not supported, expected %s", r.currency, ing.cfg.Currency))
	}

	if !validation.IsValidPhone(r.recipientNumber) {
		violations = append(violations, fmt.Sprintf("recipient number %q is not a valid Swedish mobile number", r.recipientNumber))
	}
	if !validation.IsValidPhone(r.senderNumber) {
		violations = append(violations, fmt.Sprintf("sender number %q is not a valid Swedish mobile number", r.senderNumber))
	}

	ts, err := time.Parse(time.RFC3339, r.timestamp)
	if err != nil {
		violations = append(violations, fmt.Sprintf("timestamp %q is not a valid ISO-8601 instant", r.timestamp))
	} else if ts.After(receivedAt) {
		violations = append(violations, "timestamp is in the future")
	}

	if !PaymentStatuses[r.status] {
		violations = append(violations, fmt.Sprintf("status %q is not one of completed/pending/failed", r.status))
	}

	return violations
}
