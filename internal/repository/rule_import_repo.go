package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reconiq/quote-engine/internal/models"
)

const ruleImportColumns = `id, tenant_id, filename, file_size, status, row_count,
	imported_count, warnings, errors, content_hash, idempotency_key, created_at`

// RuleImportRepository handles the pricing-rule import audit table
type RuleImportRepository struct {
	pool *pgxpool.Pool
}

// NewRuleImportRepository creates a new rule import repository
func NewRuleImportRepository(pool *pgxpool.Pool) *RuleImportRepository {
	return &RuleImportRepository{pool: pool}
}

func scanRuleImport(row pgx.Row, imp *models.RuleImport) error {
	return row.Scan(
		&imp.ID, &imp.TenantID, &imp.Filename, &imp.FileSize, &imp.Status, &imp.RowCount,
		&imp.ImportedCount, &imp.Warnings, &imp.Errors, &imp.ContentHash,
		&imp.IdempotencyKey, &imp.CreatedAt,
	)
}

// Create inserts a new import record
func (r *RuleImportRepository) Create(ctx context.Context, imp *models.RuleImport) error {
	if imp == nil {
		return errors.New("rule import cannot be nil")
	}

	query := `
		INSERT INTO rule_imports (` + ruleImportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING ` + ruleImportColumns

	return scanRuleImport(r.pool.QueryRow(ctx, query,
		imp.ID, imp.TenantID, imp.Filename, imp.FileSize, imp.Status, imp.RowCount,
		imp.ImportedCount, jsonListOrEmpty(imp.Warnings), jsonListOrEmpty(imp.Errors),
		imp.ContentHash, imp.IdempotencyKey, imp.CreatedAt,
	), imp)
}

// GetByID retrieves an import by ID, scoped to the tenant
func (r *RuleImportRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.RuleImport, error) {
	query := `SELECT ` + ruleImportColumns + ` FROM rule_imports WHERE id = $1 AND tenant_id = $2`
	return r.getOne(ctx, query, id, tenantID)
}

// GetByContentHash returns the tenant's most recent applied import of the same file
func (r *RuleImportRepository) GetByContentHash(ctx context.Context, tenantID uuid.UUID, hash string) (*models.RuleImport, error) {
	query := `SELECT ` + ruleImportColumns + `
		FROM rule_imports
		WHERE tenant_id = $1 AND content_hash = $2 AND status = 'applied'
		ORDER BY created_at DESC
		LIMIT 1`
	return r.getOne(ctx, query, tenantID, hash)
}

func (r *RuleImportRepository) getOne(ctx context.Context, query string, args ...any) (*models.RuleImport, error) {
	imp := &models.RuleImport{}
	if err := scanRuleImport(r.pool.QueryRow(ctx, query, args...), imp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return imp, nil
}

func jsonListOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`[]`)
	}
	return raw
}
