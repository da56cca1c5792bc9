package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/usage"
)

// UsagePolicyRepository reads stored usage policy overrides
type UsagePolicyRepository struct {
	pool *pgxpool.Pool
}

// NewUsagePolicyRepository creates a new usage policy repository
func NewUsagePolicyRepository(pool *pgxpool.Pool) *UsagePolicyRepository {
	return &UsagePolicyRepository{pool: pool}
}

// ListActive returns active overrides. Global rows (tenant_id IS NULL) come
// before tenant rows so they are applied first.
func (r *UsagePolicyRepository) ListActive(ctx context.Context) ([]models.UsagePolicyRow, error) {
	query := `
		SELECT id, tenant_id, operation, max_requests, window_ms, cache_ttl_ms,
		       token_cost_usd_per_1k, is_active, created_at, updated_at
		FROM usage_policies
		WHERE is_active = true
		ORDER BY (tenant_id IS NOT NULL), operation, updated_at
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	policies := make([]models.UsagePolicyRow, 0)
	for rows.Next() {
		var p models.UsagePolicyRow
		if err := rows.Scan(
			&p.ID, &p.TenantID, &p.Operation, &p.MaxRequests, &p.WindowMs, &p.CacheTTLMs,
			&p.TokenCostUSDPer1K, &p.IsActive, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// LoadInto installs every active override into the resolver and returns how
// many were applied.
func (r *UsagePolicyRepository) LoadInto(ctx context.Context, policies *usage.Policies) (int, error) {
	rows, err := r.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, row := range rows {
		override := OverrideFromRow(row)
		if row.TenantID == nil {
			policies.SetOperation(row.Operation, override)
		} else {
			policies.SetTenantOperation(*row.TenantID, row.Operation, override)
		}
	}
	return len(rows), nil
}

// OverrideFromRow converts the stored millisecond columns into an override.
func OverrideFromRow(row models.UsagePolicyRow) usage.PolicyOverride {
	o := usage.PolicyOverride{
		MaxRequestsPerWindow: row.MaxRequests,
		TokenCostUSDPer1K:    row.TokenCostUSDPer1K,
	}
	if row.WindowMs != nil {
		d := time.Duration(*row.WindowMs) * time.Millisecond
		o.Window = &d
	}
	if row.CacheTTLMs != nil {
		d := time.Duration(*row.CacheTTLMs) * time.Millisecond
		o.CacheTTL = &d
	}
	return o
}
