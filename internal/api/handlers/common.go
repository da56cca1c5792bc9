package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/api/response"
	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/ingest"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/quote"
	"github.com/reconiq/quote-engine/internal/repository"
	"github.com/reconiq/quote-engine/internal/rules"
	"github.com/reconiq/quote-engine/internal/usage"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// IdempotencyClaimer reserves an Idempotency-Key for a resource id.
type IdempotencyClaimer interface {
	Claim(ctx context.Context, tenantID uuid.UUID, key, resourceType string, resourceID uuid.UUID) (*repository.IdempotencyResult, error)
	Release(ctx context.Context, tenantID uuid.UUID, key, resourceType string) error
}

// RuleSource lists a tenant's pricing rules.
type RuleSource interface {
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.PricingRule, error)
}

func tenantFrom(c *gin.Context) uuid.UUID {
	return c.MustGet("tenant_id").(uuid.UUID)
}

// actorFrom names the caller for audit records.
func actorFrom(c *gin.Context) string {
	if v, ok := c.Get("user_id"); ok {
		if id, ok := v.(uuid.UUID); ok && id != uuid.Nil {
			return id.String()
		}
	}
	return "api"
}

func correlationFrom(c *gin.Context) string {
	if v, ok := c.Get("correlation_id"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// pathUUID parses a uuid path parameter, answering 400 when it is malformed.
func pathUUID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, fmt.Sprintf("invalid %s format", name), nil)
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// respondError maps domain errors onto the response envelope.
func respondError(c *gin.Context, err error, fallback string) {
	var rlErr *usage.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		correlationID := rlErr.CorrelationID
		if correlationID == "" {
			correlationID = c.GetString("correlation_id")
		}
		response.RateLimited(c, rlErr.RetryAfter(), "rate limit exceeded", gin.H{
			"correlation_id": correlationID,
			"operation":      rlErr.Operation,
			"current_count":  rlErr.CurrentCount,
			"limit":          rlErr.Limit,
			"window_ms":      rlErr.WindowMs,
			"retry_after_ms": rlErr.RetryAfterMs,
		})
	case errors.Is(err, quote.ErrValidation),
		errors.Is(err, estimate.ErrInvalidInput),
		errors.Is(err, estimate.ErrIncompleteArtifact),
		errors.Is(err, rules.ErrInvalidContext),
		errors.Is(err, ingest.ErrInvalidFile):
		response.BadRequest(c, err.Error(), nil)
	case errors.Is(err, quote.ErrQuoteNotFound):
		response.NotFound(c, "quote not found")
	case errors.Is(err, repository.ErrVersionConflict):
		response.VersionConflict(c, "quote was modified concurrently, reload and retry")
	case errors.Is(err, quote.ErrInvalidTransition), errors.Is(err, quote.ErrNotEditable):
		response.InvalidState(c, err.Error())
	default:
		slog.Error(fallback,
			slog.String("error", err.Error()),
			slog.String("correlation_id", correlationFrom(c)))
		response.InternalError(c, fallback)
	}
}
