// Package ingest parses and validates incoming transaction batches.
//
// Input is the canonical Swish settlement export: a header row with a fixed,
// ordered column set followed by one row per transaction. Structural problems
// (wrong columns, wrong order) are rejected before any row is inspected;
// semantic problems are collected per row with every violated rule listed,
// never just the first. A batch is accepted whole or not at all.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Columns is the required header, in order.
var Columns = []string{
	"reference",
	"amount",
	"currency",
	"recipient_name",
	"recipient_number",
	"sender_name",
	"sender_number",
	"message",
	"timestamp",
	"status",
}

// SupportedCurrency is the platform's single settlement currency.
const SupportedCurrency = "SEK"

// DefaultMaxAmount is the upper bound for a single transaction.
const DefaultMaxAmount = 100000.00

// PaymentStatuses accepted from the settlement export.
var PaymentStatuses = map[string]bool{
	"completed": true,
	"pending":   true,
	"failed":    true,
}

var (
	// ErrEmptyInput is returned for input with no header row.
	ErrEmptyInput = errors.New("batch input is empty")
	// ErrMissingColumns is returned when the header lacks required columns.
	ErrMissingColumns = errors.New("batch header is missing required columns")
	// ErrColumnOrder is returned when all columns are present but misordered.
	// Distinct from ErrMissingColumns so callers can report the right fix.
	ErrColumnOrder = errors.New("batch header columns are out of order")
)

// RowError lists every rule one row violated.
type RowError struct {
	Row        int      `json:"row"` // 1-based, excluding the header
	Violations []string `json:"violations"`
}

// ValidationError aggregates all invalid rows of a rejected batch.
type ValidationError struct {
	Rows []RowError `json:"rows"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("batch validation failed: %d invalid rows", len(e.Rows))
}

// Summary describes an accepted batch.
type Summary struct {
	Rows    int `json:"rows"`
	Columns int `json:"columns"`
}

// Config carries ingestion limits.
type Config struct {
	Currency           string
	MaxAmount          float64
	VerificationWindow time.Duration
}

// DefaultConfig returns the platform ingestion defaults.
func DefaultConfig(window time.Duration) Config {
	return Config{
		Currency:           SupportedCurrency,
		MaxAmount:          DefaultMaxAmount,
		VerificationWindow: window,
	}
}

// validateHeader checks the structural shape of the header row.
func validateHeader(header []string) error {
	if len(header) == 0 {
		return ErrEmptyInput
	}

	normalized := make([]string, len(header))
	present := make(map[string]bool, len(header))
	for i, h := range header {
		normalized[i] = strings.ToLower(strings.TrimSpace(h))
		present[normalized[i]] = true
	}

	var missing []string
	for _, want := range Columns {
		if !present[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	if len(normalized) != len(Columns) {
		return fmt.Errorf("%w: expected %d columns, got %d", ErrMissingColumns, len(Columns), len(normalized))
	}
	for i, want := range Columns {
		if normalized[i] != want {
			return fmt.Errorf("%w: position %d is %q, expected %q", ErrColumnOrder, i+1, normalized[i], want)
		}
	}
	return nil
}
