package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists workflow entities in PostgreSQL. Optimistic locking
// uses an update_version column: the UPDATE predicate includes the expected
// version and zero affected rows on an existing record means a stale write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed workflow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateBatch(ctx context.Context, b *PaymentBatch) error {
	metadataJSON, err := json.Marshal(b.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal batch metadata: %w", err)
	}
	if b.Metadata == nil {
		metadataJSON = []byte("{}")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO payment_batches (
			id, business_id, status, transaction_count, total_amount,
			currency, verification_deadline, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5::NUMERIC(12,2), $6, $7, $8, $9, $10)`,
		b.ID, b.BusinessID, string(b.Status), b.TransactionCount, b.TotalAmount,
		b.Currency, b.VerificationDeadline, metadataJSON, b.CreatedAt, b.UpdatedAt,
	)
	return err
}

const batchColumns = `id, business_id, status, transaction_count, total_amount,
		currency, verification_deadline, metadata, created_at, updated_at`

func (p *PostgresStore) GetBatch(ctx context.Context, id string) (*PaymentBatch, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM payment_batches WHERE id = $1`, id)

	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	return b, err
}

func (p *PostgresStore) UpdateBatchStatus(ctx context.Context, id string, from, to BatchStatus) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE payment_batches
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing batch from a lost transition race.
		if _, getErr := p.GetBatch(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: batch is no longer %s", ErrInvalidTransition, from)
	}
	return nil
}

func (p *PostgresStore) ListExpiredBatches(ctx context.Context, before time.Time, limit int) ([]*PaymentBatch, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+batchColumns+`
		FROM payment_batches
		WHERE status IN ('pending', 'in_progress')
		  AND verification_deadline < $1
		ORDER BY verification_deadline ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*PaymentBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*PaymentBatch, error) {
	var b PaymentBatch
	var status string
	var metadataJSON []byte
	if err := row.Scan(
		&b.ID, &b.BusinessID, &status, &b.TransactionCount, &b.TotalAmount,
		&b.Currency, &b.VerificationDeadline, &metadataJSON, &b.CreatedAt, &b.UpdatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = BatchStatus(status)
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &b.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch metadata: %w", err)
		}
	}
	return &b, nil
}

func (p *PostgresStore) CreateTransactions(ctx context.Context, txns []*Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO transactions (
			id, batch_id, swish_reference, amount, currency,
			recipient_name, recipient_number, sender_name, sender_number,
			message, tx_timestamp, payment_status, verification_status,
			verified_by, verified_at, verification_reason, update_version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, t := range txns {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.BatchID, t.SwishReference, t.Amount, t.Currency,
			t.RecipientName, t.RecipientNumber, t.SenderName, t.SenderNumber,
			nullString(t.Message), t.Timestamp, t.PaymentStatus, string(t.VerificationStatus),
			nullString(t.VerifiedBy), nullTime(t.VerifiedAt), nullString(t.VerificationReason), t.UpdateVersion,
			t.CreatedAt, t.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

const transactionColumns = `id, batch_id, swish_reference, amount, currency,
		recipient_name, recipient_number, sender_name, sender_number,
		message, tx_timestamp, payment_status, verification_status,
		verified_by, verified_at, verification_reason, update_version,
		created_at, updated_at`

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) ListTransactions(ctx context.Context, batchID string) ([]*Transaction, error) {
	return p.listTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions WHERE batch_id = $1 ORDER BY id`, batchID)
}

func (p *PostgresStore) ListPendingTransactions(ctx context.Context, batchID string) ([]*Transaction, error) {
	return p.listTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions WHERE batch_id = $1 AND verification_status = 'pending' ORDER BY id`, batchID)
}

func (p *PostgresStore) listTransactions(ctx context.Context, query, batchID string) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func scanTransaction(row scanner) (*Transaction, error) {
	var t Transaction
	var verStatus string
	var message, verifiedBy, reason sql.NullString
	var verifiedAt sql.NullTime
	if err := row.Scan(
		&t.ID, &t.BatchID, &t.SwishReference, &t.Amount, &t.Currency,
		&t.RecipientName, &t.RecipientNumber, &t.SenderName, &t.SenderNumber,
		&message, &t.Timestamp, &t.PaymentStatus, &verStatus,
		&verifiedBy, &verifiedAt, &reason, &t.UpdateVersion,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Message = message.String
	t.VerificationStatus = VerificationStatus(verStatus)
	t.VerifiedBy = verifiedBy.String
	if verifiedAt.Valid {
		t.VerifiedAt = &verifiedAt.Time
	}
	t.VerificationReason = reason.String
	return &t, nil
}

func (p *PostgresStore) ApplyVerification(ctx context.Context, txn *Transaction, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions
		SET verification_status = $1, verified_by = $2, verified_at = $3,
		    verification_reason = $4, update_version = update_version + 1,
		    updated_at = $5
		WHERE id = $6
		  AND update_version = $7
		  AND verification_status = 'pending'`,
		string(txn.VerificationStatus), txn.VerifiedBy, nullTime(txn.VerifiedAt),
		nullString(txn.VerificationReason), txn.UpdatedAt,
		txn.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		stored, getErr := p.GetTransaction(ctx, txn.ID)
		if getErr != nil {
			return getErr
		}
		if stored.VerificationStatus != VerificationPending {
			return fmt.Errorf("%w: %s is %s", ErrAlreadyVerified, stored.ID, stored.VerificationStatus)
		}
		return ErrVersionConflict
	}
	return nil
}

func (p *PostgresStore) CountByStatus(ctx context.Context, batchID string) (Counts, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT verification_status, COUNT(*)
		FROM transactions
		WHERE batch_id = $1
		GROUP BY verification_status`, batchID)
	if err != nil {
		return Counts{}, err
	}
	defer func() { _ = rows.Close() }()

	var counts Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		counts.Total += n
		switch VerificationStatus(status) {
		case VerificationPending:
			counts.Pending += n
		case VerificationApproved:
			counts.Approved += n
		case VerificationRejected:
			counts.Rejected += n
		}
	}
	return counts, rows.Err()
}

func (p *PostgresStore) CreateSession(ctx context.Context, s *VerificationSession) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO verification_sessions (
			id, batch_id, verifier_id, status, started_at,
			paused_at, resumed_at, completed_at, abandoned_at, abandon_reason,
			transactions_verified, transactions_approved, transactions_rejected,
			progress_percentage, update_version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		s.ID, s.BatchID, s.VerifierID, string(s.Status), s.StartedAt,
		nullTime(s.PausedAt), nullTime(s.ResumedAt), nullTime(s.CompletedAt),
		nullTime(s.AbandonedAt), nullString(s.AbandonReason),
		s.TransactionsVerified, s.TransactionsApproved, s.TransactionsRejected,
		s.ProgressPercentage, s.UpdateVersion,
	)
	if err != nil {
		// The partial unique index on (batch_id) WHERE status IN
		// ('active','paused') enforces the one-open-session invariant.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrSessionConflict
		}
		return err
	}
	return nil
}

const sessionColumns = `id, batch_id, verifier_id, status, started_at,
		paused_at, resumed_at, completed_at, abandoned_at, abandon_reason,
		transactions_verified, transactions_approved, transactions_rejected,
		progress_percentage, update_version`

func (p *PostgresStore) GetSession(ctx context.Context, id string) (*VerificationSession, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM verification_sessions WHERE id = $1`, id)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (p *PostgresStore) GetOpenSession(ctx context.Context, batchID string) (*VerificationSession, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM verification_sessions
		WHERE batch_id = $1 AND status IN ('active', 'paused')`, batchID)

	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func scanSession(row scanner) (*VerificationSession, error) {
	var s VerificationSession
	var status string
	var pausedAt, resumedAt, completedAt, abandonedAt sql.NullTime
	var abandonReason sql.NullString
	if err := row.Scan(
		&s.ID, &s.BatchID, &s.VerifierID, &status, &s.StartedAt,
		&pausedAt, &resumedAt, &completedAt, &abandonedAt, &abandonReason,
		&s.TransactionsVerified, &s.TransactionsApproved, &s.TransactionsRejected,
		&s.ProgressPercentage, &s.UpdateVersion,
	); err != nil {
		return nil, err
	}
	s.Status = SessionStatus(status)
	if pausedAt.Valid {
		s.PausedAt = &pausedAt.Time
	}
	if resumedAt.Valid {
		s.ResumedAt = &resumedAt.Time
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	if abandonedAt.Valid {
		s.AbandonedAt = &abandonedAt.Time
	}
	s.AbandonReason = abandonReason.String
	return &s, nil
}

func (p *PostgresStore) UpdateSession(ctx context.Context, s *VerificationSession, expectedVersion int64) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE verification_sessions
		SET status = $1, paused_at = $2, resumed_at = $3, completed_at = $4,
		    abandoned_at = $5, abandon_reason = $6,
		    transactions_verified = $7, transactions_approved = $8,
		    transactions_rejected = $9, progress_percentage = $10,
		    update_version = update_version + 1
		WHERE id = $11 AND update_version = $12`,
		string(s.Status), nullTime(s.PausedAt), nullTime(s.ResumedAt), nullTime(s.CompletedAt),
		nullTime(s.AbandonedAt), nullString(s.AbandonReason),
		s.TransactionsVerified, s.TransactionsApproved,
		s.TransactionsRejected, s.ProgressPercentage,
		s.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, getErr := p.GetSession(ctx, s.ID); getErr != nil {
			return getErr
		}
		return ErrVersionConflict
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
