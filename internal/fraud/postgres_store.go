package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore persists assessments in PostgreSQL. Structured fields live in
// columns; factors, reasoning and patterns are stored as JSONB documents.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, a *Assessment) error {
	reasoning, err := json.Marshal(a.Reasoning)
	if err != nil {
		return fmt.Errorf("failed to encode reasoning: %w", err)
	}
	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("failed to encode factors: %w", err)
	}
	patternsJSON, err := json.Marshal(a.Patterns)
	if err != nil {
		return fmt.Errorf("failed to encode patterns: %w", err)
	}
	ai, err := json.Marshal(a.AI)
	if err != nil {
		return fmt.Errorf("failed to encode ai metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fraud_assessments (
			id, transaction_id, risk_score, risk_level, confidence,
			recommendation, reasoning, base_score, factors, patterns, ai, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.TransactionID, a.RiskScore, string(a.RiskLevel), a.Confidence,
		string(a.Recommendation), reasoning, a.BaseScore, factors, patternsJSON, ai, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert assessment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Assessment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transaction_id, risk_score, risk_level, confidence,
		       recommendation, reasoning, base_score, factors, patterns, ai, created_at
		FROM fraud_assessments WHERE id = $1`, id)

	a, err := scanAssessment(row)
	if err == sql.ErrNoRows {
		return nil, ErrAssessmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assessment: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListByTransaction(ctx context.Context, transactionID string, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, risk_score, risk_level, confidence,
		       recommendation, reasoning, base_score, factors, patterns, ai, created_at
		FROM fraud_assessments
		WHERE transaction_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, transactionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list assessments: %w", err)
	}
	defer rows.Close()

	var out []*Assessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan assessment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAssessment(row scanner) (*Assessment, error) {
	var (
		a                                 Assessment
		level, recommendation             string
		reasoning, factors, patternsJSON  []byte
		ai                                []byte
	)
	err := row.Scan(&a.ID, &a.TransactionID, &a.RiskScore, &level, &a.Confidence,
		&recommendation, &reasoning, &a.BaseScore, &factors, &patternsJSON, &ai, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.RiskLevel = RiskLevel(level)
	a.Recommendation = Recommendation(recommendation)
	if len(reasoning) > 0 {
		if err := json.Unmarshal(reasoning, &a.Reasoning); err != nil {
			return nil, fmt.Errorf("failed to decode reasoning: %w", err)
		}
	}
	if len(factors) > 0 {
		if err := json.Unmarshal(factors, &a.Factors); err != nil {
			return nil, fmt.Errorf("failed to decode factors: %w", err)
		}
	}
	if len(patternsJSON) > 0 {
		if err := json.Unmarshal(patternsJSON, &a.Patterns); err != nil {
			return nil, fmt.Errorf("failed to decode patterns: %w", err)
		}
	}
	if len(ai) > 0 {
		if err := json.Unmarshal(ai, &a.AI); err != nil {
			return nil, fmt.Errorf("failed to decode ai metadata: %w", err)
		}
	}
	return &a, nil
}
