package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/kvitton/backend/internal/workflow"
)

// exportColumns is the canonical column set plus the verification outcome.
var exportColumns = append(append([]string{}, Columns...),
	"verification_status", "verified_by", "verified_at", "verification_reason")

// Export writes a transaction set back to the canonical tabular form with
// verification outcome columns appended. Values containing the delimiter or
// quote character are escaped per RFC 4180.
func Export(w io.Writer, txns []*workflow.Transaction) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(exportColumns); err != nil {
		return fmt.Errorf("failed to write export header: %w", err)
	}

	for _, t := range txns {
		verifiedAt := ""
		if t.VerifiedAt != nil {
			verifiedAt = t.VerifiedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			t.SwishReference,
			fmt.Sprintf("%.2f", t.Amount),
			t.Currency,
			t.RecipientName,
			t.RecipientNumber,
			t.SenderName,
			t.SenderNumber,
			t.Message,
			t.Timestamp.UTC().Format(time.RFC3339),
			t.PaymentStatus,
			string(t.VerificationStatus),
			t.VerifiedBy,
			verifiedAt,
			t.VerificationReason,
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("failed to write export row: %w", err)
		}
	}

	writer.Flush()
	return writer.Error()
}
