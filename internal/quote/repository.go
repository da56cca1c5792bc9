package quote

import (
	"context"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/models"
)

// QuoteRepository persists quotes. GetByID returns (nil, nil) when the quote
// does not exist for that tenant.
type QuoteRepository interface {
	Create(ctx context.Context, q *models.Quote) error
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.Quote, error)
	// Update writes q only if the stored version equals expectedVersion.
	Update(ctx context.Context, q *models.Quote, expectedVersion int) error
}

// SnapshotRepository is append-only. ListByQuote orders by snapshot time, then id.
type SnapshotRepository interface {
	Append(ctx context.Context, s *models.QuoteSnapshot) error
	ListByQuote(ctx context.Context, tenantID, quoteID uuid.UUID) ([]models.QuoteSnapshot, error)
}

// TransitionRepository is append-only.
type TransitionRepository interface {
	Append(ctx context.Context, e *models.QuoteTransitionEvent) error
	ListByQuote(ctx context.Context, tenantID, quoteID uuid.UUID) ([]models.QuoteTransitionEvent, error)
}

// RuleSource lists a tenant's pricing rules.
type RuleSource interface {
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.PricingRule, error)
}
