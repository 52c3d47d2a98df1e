package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists audit entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}
	if e.Details == nil {
		detailsJSON = []byte("{}")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, actor, action, entity_type, entity_id,
			prior_state, new_state, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Actor, e.Action, e.EntityType, e.EntityID,
		nullString(e.PriorState), nullString(e.NewState), detailsJSON, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

const auditColumns = `id, actor, action, entity_type, entity_id,
		prior_state, new_state, details, created_at`

func (p *PostgresStore) ListByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
		LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func (p *PostgresStore) ListByBatch(ctx context.Context, batchID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM audit_log
		WHERE entity_id = $1 OR details->>'batch_id' = $1
		ORDER BY created_at ASC
		LIMIT $2`, batchID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var result []*Entry
	for rows.Next() {
		var e Entry
		var prior, newState sql.NullString
		var detailsJSON []byte
		if err := rows.Scan(
			&e.ID, &e.Actor, &e.Action, &e.EntityType, &e.EntityID,
			&prior, &newState, &detailsJSON, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		e.PriorState = prior.String
		e.NewState = newState.String
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
