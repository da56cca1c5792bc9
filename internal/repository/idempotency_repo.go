package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Resource types guarded by idempotency keys.
const (
	ResourceQuote      = "quote"
	ResourceRuleImport = "rule_import"
)

// ErrEmptyIdempotencyKey is returned by Claim for a blank key.
var ErrEmptyIdempotencyKey = errors.New("idempotency key cannot be empty")

// IdempotencyResult is the outcome of a claim.
type IdempotencyResult struct {
	// AlreadyExists is true when a live claim already held the key.
	AlreadyExists bool
	// ResourceID is the resource the key now points at.
	ResourceID uuid.UUID
}

// IdempotencyRepository stores Idempotency-Key claims per tenant and
// resource type in Postgres.
type IdempotencyRepository struct {
	pool *pgxpool.Pool
	ttl  time.Duration
}

// NewIdempotencyRepository keeps claims for ttl, or a day when ttl is zero.
func NewIdempotencyRepository(pool *pgxpool.Pool, ttl time.Duration) *IdempotencyRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyRepository{pool: pool, ttl: ttl}
}

// Claim points key at resourceID unless a live claim already holds it, in
// which case the held resource is returned with AlreadyExists set. The
// insert blocks on a concurrent claim of the same key, so exactly one
// caller wins. Expired claims are taken over.
func (r *IdempotencyRepository) Claim(
	ctx context.Context,
	tenantID uuid.UUID,
	key string,
	resourceType string,
	resourceID uuid.UUID,
) (*IdempotencyResult, error) {
	if key == "" {
		return nil, ErrEmptyIdempotencyKey
	}
	expiresAt := time.Now().Add(r.ttl)

	var result IdempotencyResult
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, tenant_id, resource_type, resource_id, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (tenant_id, key, resource_type) DO NOTHING`,
			key, tenantID, resourceType, resourceID, expiresAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			result.ResourceID = resourceID
			return nil
		}

		var held uuid.UUID
		var heldUntil time.Time
		err = tx.QueryRow(ctx, `
			SELECT resource_id, expires_at FROM idempotency_keys
			WHERE tenant_id = $1 AND key = $2 AND resource_type = $3
			FOR UPDATE`,
			tenantID, key, resourceType).Scan(&held, &heldUntil)
		if err != nil {
			return err
		}

		if heldUntil.After(time.Now()) {
			result = IdempotencyResult{AlreadyExists: true, ResourceID: held}
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE idempotency_keys
			SET resource_id = $4, expires_at = $5, created_at = NOW()
			WHERE tenant_id = $1 AND key = $2 AND resource_type = $3`,
			tenantID, key, resourceType, resourceID, expiresAt)
		result.ResourceID = resourceID
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim idempotency key: %w", err)
	}
	return &result, nil
}

// Release drops a claim whose resource was never created, so the client can retry.
func (r *IdempotencyRepository) Release(ctx context.Context, tenantID uuid.UUID, key, resourceType string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE tenant_id = $1 AND key = $2 AND resource_type = $3`,
		tenantID, key, resourceType)
	return err
}

// CleanExpired deletes claims past their expiry and reports how many went.
func (r *IdempotencyRepository) CleanExpired(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM idempotency_keys WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
