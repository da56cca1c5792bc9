package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/models"
)

// Counter atomically increments the request count for a (tenant, operation,
// bucket) key and returns the new value. Implementations must not read then write.
type Counter interface {
	Increment(ctx context.Context, tenantID uuid.UUID, operation string, bucket int64, ttl time.Duration) (int64, error)
}

// Cache stores serialized results per (tenant, cache key).
type Cache interface {
	Get(ctx context.Context, tenantID uuid.UUID, cacheKey string) ([]byte, bool, error)
	Set(ctx context.Context, tenantID uuid.UUID, cacheKey string, value []byte, ttl time.Duration) error
}

// Ledger appends usage entries. Entries are never updated.
type Ledger interface {
	Append(ctx context.Context, entry *models.UsageLedgerEntry) error
}
