package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reconiq/quote-engine/internal/models"
)

// TransitionRepository handles the append-only quote transition log
type TransitionRepository struct {
	pool *pgxpool.Pool
}

// NewTransitionRepository creates a new transition repository
func NewTransitionRepository(pool *pgxpool.Pool) *TransitionRepository {
	return &TransitionRepository{pool: pool}
}

// Append records a status change
func (r *TransitionRepository) Append(ctx context.Context, e *models.QuoteTransitionEvent) error {
	if e == nil {
		return errors.New("transition event cannot be nil")
	}

	query := `
		INSERT INTO quote_transition_events (
			id, tenant_id, quote_id, from_status, to_status, reason, actor, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	return r.pool.QueryRow(ctx, query,
		e.ID, e.TenantID, e.QuoteID, string(e.FromStatus), string(e.ToStatus),
		e.Reason, e.Actor, e.CreatedAt,
	).Scan(&e.CreatedAt)
}

// ListByQuote returns a quote's transitions in the order they were applied
func (r *TransitionRepository) ListByQuote(ctx context.Context, tenantID, quoteID uuid.UUID) ([]models.QuoteTransitionEvent, error) {
	query := `
		SELECT id, tenant_id, quote_id, from_status, to_status, reason, actor, created_at
		FROM quote_transition_events
		WHERE tenant_id = $1 AND quote_id = $2
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, tenantID, quoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]models.QuoteTransitionEvent, 0)
	for rows.Next() {
		var e models.QuoteTransitionEvent
		var from, to string
		if err := rows.Scan(&e.ID, &e.TenantID, &e.QuoteID, &from, &to, &e.Reason, &e.Actor, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.FromStatus = models.QuoteStatus(from)
		e.ToStatus = models.QuoteStatus(to)
		events = append(events, e)
	}
	return events, rows.Err()
}
