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

const pricingRuleColumns = `id, tenant_id, code, name, priority, is_active,
	conditions, action, created_at, updated_at`

// PricingRuleRepository handles data access for tenant pricing rules
type PricingRuleRepository struct {
	pool *pgxpool.Pool
}

// NewPricingRuleRepository creates a new pricing rule repository
func NewPricingRuleRepository(pool *pgxpool.Pool) *PricingRuleRepository {
	return &PricingRuleRepository{pool: pool}
}

func scanPricingRule(row pgx.Row, r *models.PricingRule) error {
	var conditions, action []byte
	err := row.Scan(
		&r.ID, &r.TenantID, &r.Code, &r.Name, &r.Priority, &r.IsActive,
		&conditions, &action, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if len(conditions) > 0 && string(conditions) != "null" {
		r.Conditions = &models.RuleConditions{}
		if err := json.Unmarshal(conditions, r.Conditions); err != nil {
			return fmt.Errorf("decode rule %s conditions: %w", r.Code, err)
		}
	}
	if len(action) > 0 && string(action) != "null" {
		r.Action = &models.RuleAction{}
		if err := json.Unmarshal(action, r.Action); err != nil {
			return fmt.Errorf("decode rule %s action: %w", r.Code, err)
		}
	}
	return nil
}

// ListByTenant returns the tenant's rules ordered by priority, then code
func (r *PricingRuleRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.PricingRule, error) {
	query := `SELECT ` + pricingRuleColumns + `
		FROM pricing_rules
		WHERE tenant_id = $1
		ORDER BY priority ASC, code ASC`

	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := make([]models.PricingRule, 0)
	for rows.Next() {
		var rule models.PricingRule
		if err := scanPricingRule(rows, &rule); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// Upsert writes rules in one batch, replacing any rule with the same
// tenant and code. It returns the number of rules written.
func (r *PricingRuleRepository) Upsert(ctx context.Context, rules []models.PricingRule) (int, error) {
	if len(rules) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}

	query := `
		INSERT INTO pricing_rules (
			id, tenant_id, code, name, priority, is_active, conditions, action,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (tenant_id, code) DO UPDATE
		SET name = EXCLUDED.name,
		    priority = EXCLUDED.priority,
		    is_active = EXCLUDED.is_active,
		    conditions = EXCLUDED.conditions,
		    action = EXCLUDED.action,
		    updated_at = NOW()
	`

	for _, rule := range rules {
		if rule.TenantID == uuid.Nil || rule.Code == "" {
			return 0, errors.New("pricing rule requires tenant and code")
		}
		id := rule.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		conditions, err := json.Marshal(rule.Conditions)
		if err != nil {
			return 0, fmt.Errorf("encode rule %s conditions: %w", rule.Code, err)
		}
		action, err := json.Marshal(rule.Action)
		if err != nil {
			return 0, fmt.Errorf("encode rule %s action: %w", rule.Code, err)
		}
		batch.Queue(query,
			id, rule.TenantID, rule.Code, rule.Name, rule.Priority, rule.IsActive,
			conditions, action,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < len(rules); i++ {
		if _, err := results.Exec(); err != nil {
			return i, fmt.Errorf("upsert rule %s: %w", rules[i].Code, err)
		}
	}

	return len(rules), nil
}
