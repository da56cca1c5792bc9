package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reconiq/quote-engine/internal/models"
)

const snapshotColumns = `id, tenant_id, quote_id, quote_version, snapshot_event,
	pricing_input_payload, normalized_context, rule_metadata,
	computed_line_items, computed_totals, snapshot_at, actor`

// SnapshotRepository handles the append-only quote snapshot table
type SnapshotRepository struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepository creates a new snapshot repository
func NewSnapshotRepository(pool *pgxpool.Pool) *SnapshotRepository {
	return &SnapshotRepository{pool: pool}
}

func scanSnapshot(row pgx.Row, s *models.QuoteSnapshot) error {
	var event string
	var lineItems, totals []byte
	err := row.Scan(
		&s.ID, &s.TenantID, &s.QuoteID, &s.QuoteVersion, &event,
		&s.PricingInputPayload, &s.NormalizedContext, &s.RuleMetadata,
		&lineItems, &totals, &s.SnapshotAt, &s.Actor,
	)
	if err != nil {
		return err
	}
	s.SnapshotEvent = models.SnapshotEvent(event)
	if err := json.Unmarshal(lineItems, &s.ComputedLineItems); err != nil {
		return fmt.Errorf("decode snapshot line items: %w", err)
	}
	if err := json.Unmarshal(totals, &s.ComputedTotals); err != nil {
		return fmt.Errorf("decode snapshot totals: %w", err)
	}
	return nil
}

// Append inserts a snapshot. Snapshots are never updated.
func (r *SnapshotRepository) Append(ctx context.Context, s *models.QuoteSnapshot) error {
	if s == nil {
		return errors.New("snapshot cannot be nil")
	}
	lineItems, err := json.Marshal(s.ComputedLineItems)
	if err != nil {
		return fmt.Errorf("encode snapshot line items: %w", err)
	}
	totals, err := json.Marshal(s.ComputedTotals)
	if err != nil {
		return fmt.Errorf("encode snapshot totals: %w", err)
	}

	query := `
		INSERT INTO quote_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = r.pool.Exec(ctx, query,
		s.ID, s.TenantID, s.QuoteID, s.QuoteVersion, string(s.SnapshotEvent),
		jsonOrEmpty(s.PricingInputPayload), jsonOrEmpty(s.NormalizedContext), jsonOrEmpty(s.RuleMetadata),
		lineItems, totals, s.SnapshotAt, s.Actor,
	)
	return err
}

// ListByQuote returns a quote's snapshots ordered by snapshot time, then id
func (r *SnapshotRepository) ListByQuote(ctx context.Context, tenantID, quoteID uuid.UUID) ([]models.QuoteSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM quote_snapshots
		WHERE tenant_id = $1 AND quote_id = $2
		ORDER BY snapshot_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, tenantID, quoteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make([]models.QuoteSnapshot, 0)
	for rows.Next() {
		var s models.QuoteSnapshot
		if err := scanSnapshot(rows, &s); err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, rows.Err()
}

// jsonOrEmpty keeps NOT NULL jsonb columns satisfied.
func jsonOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
