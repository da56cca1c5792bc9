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

const quoteColumns = `id, tenant_id, quote_number, status, vin, inspection_id,
	subtotal_cents, tax_cents, total_cents, tax_rate, currency, line_items,
	quote_version, approved_at, declined_at, created_at, updated_at`

// updateQuoteSQL writes every column a revise or finalize can change.
const updateQuoteSQL = `
	UPDATE quotes
	SET status = $3, vin = $4, inspection_id = $5,
	    subtotal_cents = $6, tax_cents = $7, total_cents = $8,
	    tax_rate = $9, currency = $10, line_items = $11, quote_version = $12,
	    approved_at = $13, declined_at = $14, updated_at = $15
	WHERE id = $1 AND tenant_id = $2 AND quote_version = $16
	RETURNING ` + quoteColumns

func quoteUpdateArgs(q *models.Quote, lineItems []byte, expectedVersion int) []any {
	return []any{
		q.ID, q.TenantID, string(q.Status), q.VIN, q.InspectionID,
		q.SubtotalCents, q.TaxCents, q.TotalCents,
		q.TaxRate, q.Currency, lineItems, q.QuoteVersion,
		q.ApprovedAt, q.DeclinedAt, q.UpdatedAt, expectedVersion,
	}
}

// QuoteRepository handles data access for quotes
type QuoteRepository struct {
	pool *pgxpool.Pool
}

// NewQuoteRepository creates a new quote repository
func NewQuoteRepository(pool *pgxpool.Pool) *QuoteRepository {
	return &QuoteRepository{pool: pool}
}

func scanQuote(row pgx.Row, q *models.Quote) error {
	var lineItems []byte
	var status string
	err := row.Scan(
		&q.ID, &q.TenantID, &q.QuoteNumber, &status, &q.VIN, &q.InspectionID,
		&q.SubtotalCents, &q.TaxCents, &q.TotalCents, &q.TaxRate, &q.Currency, &lineItems,
		&q.QuoteVersion, &q.ApprovedAt, &q.DeclinedAt, &q.CreatedAt, &q.UpdatedAt,
	)
	if err != nil {
		return err
	}
	q.Status = models.QuoteStatus(status)
	q.LineItems = nil
	if len(lineItems) > 0 {
		if err := json.Unmarshal(lineItems, &q.LineItems); err != nil {
			return fmt.Errorf("decode line items: %w", err)
		}
	}
	return nil
}

// Create inserts a new quote
func (r *QuoteRepository) Create(ctx context.Context, q *models.Quote) error {
	if q == nil {
		return errors.New("quote cannot be nil")
	}
	lineItems, err := json.Marshal(q.LineItems)
	if err != nil {
		return fmt.Errorf("encode line items: %w", err)
	}

	query := `
		INSERT INTO quotes (
			id, tenant_id, quote_number, status, vin, inspection_id,
			subtotal_cents, tax_cents, total_cents, tax_rate, currency, line_items,
			quote_version, approved_at, declined_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING ` + quoteColumns

	return scanQuote(r.pool.QueryRow(ctx, query,
		q.ID, q.TenantID, q.QuoteNumber, string(q.Status), q.VIN, q.InspectionID,
		q.SubtotalCents, q.TaxCents, q.TotalCents, q.TaxRate, q.Currency, lineItems,
		q.QuoteVersion, q.ApprovedAt, q.DeclinedAt, q.CreatedAt, q.UpdatedAt,
	), q)
}

// GetByID retrieves a quote by ID, scoped to the tenant
func (r *QuoteRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Quote, error) {
	query := `SELECT ` + quoteColumns + ` FROM quotes WHERE id = $1 AND tenant_id = $2`

	q := &models.Quote{}
	if err := scanQuote(r.pool.QueryRow(ctx, query, id, tenantID), q); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return q, nil
}

// Update writes the quote only when the stored version still equals
// expectedVersion. A stale version returns ErrVersionConflict.
func (r *QuoteRepository) Update(ctx context.Context, q *models.Quote, expectedVersion int) error {
	if q == nil {
		return errors.New("quote cannot be nil")
	}
	lineItems, err := json.Marshal(q.LineItems)
	if err != nil {
		return fmt.Errorf("encode line items: %w", err)
	}

	err = scanQuote(r.pool.QueryRow(ctx, updateQuoteSQL, quoteUpdateArgs(q, lineItems, expectedVersion)...), q)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrVersionConflict
	}
	return err
}

// ListByTenant returns the tenant's most recently updated quotes
func (r *QuoteRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.Quote, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + quoteColumns + `
		FROM quotes WHERE tenant_id = $1
		ORDER BY updated_at DESC, id
		LIMIT $2`

	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	quotes := make([]models.Quote, 0)
	for rows.Next() {
		var q models.Quote
		if err := scanQuote(rows, &q); err != nil {
			return nil, err
		}
		quotes = append(quotes, q)
	}
	return quotes, rows.Err()
}
