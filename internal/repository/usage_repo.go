package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reconiq/quote-engine/internal/models"
)

// UsageRepository backs the usage controller with Postgres: rate-limit
// counters, the result cache and the append-only ledger.
type UsageRepository struct {
	pool *pgxpool.Pool
}

// NewUsageRepository creates a new usage repository
func NewUsageRepository(pool *pgxpool.Pool) *UsageRepository {
	return &UsageRepository{pool: pool}
}

// Increment bumps the (tenant, operation, bucket) counter in a single
// statement and returns the new count.
func (r *UsageRepository) Increment(ctx context.Context, tenantID uuid.UUID, operation string, bucket int64, ttl time.Duration) (int64, error) {
	query := `
		INSERT INTO usage_rate_counters (tenant_id, operation, bucket, count, expires_at)
		VALUES ($1, $2, $3, 1, NOW() + $4 * INTERVAL '1 millisecond')
		ON CONFLICT (tenant_id, operation, bucket) DO UPDATE
		SET count = usage_rate_counters.count + 1
		RETURNING count
	`

	var count int64
	if err := r.pool.QueryRow(ctx, query, tenantID, operation, bucket, ttl.Milliseconds()).Scan(&count); err != nil {
		return 0, fmt.Errorf("increment usage counter: %w", err)
	}
	return count, nil
}

// Get returns a cached value that has not expired
func (r *UsageRepository) Get(ctx context.Context, tenantID uuid.UUID, cacheKey string) ([]byte, bool, error) {
	query := `
		SELECT value FROM usage_cache
		WHERE tenant_id = $1 AND cache_key = $2 AND expires_at > NOW()
	`

	var value []byte
	err := r.pool.QueryRow(ctx, query, tenantID, cacheKey).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return value, true, nil
}

// Set stores a value until ttl elapses. A non-positive ttl stores nothing.
func (r *UsageRepository) Set(ctx context.Context, tenantID uuid.UUID, cacheKey string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	query := `
		INSERT INTO usage_cache (tenant_id, cache_key, value, expires_at)
		VALUES ($1, $2, $3, NOW() + $4 * INTERVAL '1 millisecond')
		ON CONFLICT (tenant_id, cache_key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
	`

	_, err := r.pool.Exec(ctx, query, tenantID, cacheKey, value, ttl.Milliseconds())
	return err
}

// Append inserts a ledger entry
func (r *UsageRepository) Append(ctx context.Context, entry *models.UsageLedgerEntry) error {
	if entry == nil {
		return errors.New("ledger entry cannot be nil")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("encode ledger metadata: %w", err)
	}

	query := `
		INSERT INTO usage_ledger (
			id, tenant_id, operation, cache_key, model, input_tokens, output_tokens,
			cost_usd, cache_hit, correlation_id, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err = r.pool.Exec(ctx, query,
		entry.ID, entry.TenantID, entry.Operation, entry.CacheKey, entry.Model,
		entry.InputTokens, entry.OutputTokens, entry.CostUSD, entry.CacheHit,
		entry.CorrelationID, metadata, entry.CreatedAt,
	)
	return err
}

// ListLedger returns the tenant's most recent ledger entries, newest first
func (r *UsageRepository) ListLedger(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.UsageLedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT id, tenant_id, operation, cache_key, model, input_tokens, output_tokens,
		       cost_usd, cache_hit, correlation_id, metadata, created_at
		FROM usage_ledger
		WHERE tenant_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]models.UsageLedgerEntry, 0)
	for rows.Next() {
		var e models.UsageLedgerEntry
		var metadata []byte
		if err := rows.Scan(
			&e.ID, &e.TenantID, &e.Operation, &e.CacheKey, &e.Model, &e.InputTokens,
			&e.OutputTokens, &e.CostUSD, &e.CacheHit, &e.CorrelationID, &metadata, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode ledger metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CleanExpired removes expired cache rows and counters. Call from a background job.
func (r *UsageRepository) CleanExpired(ctx context.Context) (int64, error) {
	cache, err := r.pool.Exec(ctx, `DELETE FROM usage_cache WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	counters, err := r.pool.Exec(ctx, `DELETE FROM usage_rate_counters WHERE expires_at < NOW()`)
	if err != nil {
		return cache.RowsAffected(), err
	}
	return cache.RowsAffected() + counters.RowsAffected(), nil
}
