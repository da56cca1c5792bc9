package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/api/response"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/quote"
	"github.com/reconiq/quote-engine/internal/repository"
)

// QuoteLister lists a tenant's quotes, newest first.
type QuoteLister interface {
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.Quote, error)
}

// QuoteHandler handles the quote lifecycle endpoints.
type QuoteHandler struct {
	quotes      *quote.Service
	lister      QuoteLister
	idempotency IdempotencyClaimer
}

// NewQuoteHandler creates a new quote handler.
func NewQuoteHandler(quotes *quote.Service, lister QuoteLister, idempotency IdempotencyClaimer) *QuoteHandler {
	return &QuoteHandler{
		quotes:      quotes,
		lister:      lister,
		idempotency: idempotency,
	}
}

// HandleCreate handles POST /api/v1/quotes.
func (h *QuoteHandler) HandleCreate(c *gin.Context) {
	tenantID := tenantFrom(c)
	ctx := c.Request.Context()

	var in quote.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	in.ID = uuid.New()
	in.Actor = actorFrom(c)

	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey != "" {
		claim, err := h.idempotency.Claim(ctx, tenantID, idempotencyKey, repository.ResourceQuote, in.ID)
		if err != nil {
			respondError(c, err, "idempotency check failed")
			return
		}
		if claim.AlreadyExists {
			existing, err := h.quotes.Get(ctx, tenantID, claim.ResourceID)
			if err != nil && !errors.Is(err, quote.ErrQuoteNotFound) {
				respondError(c, err, "failed to load quote")
				return
			}
			response.Conflict(c, "duplicate quote (idempotency key match)", existing)
			return
		}
	}

	q, err := h.quotes.CreateQuote(ctx, tenantID, in)
	if err != nil {
		if idempotencyKey != "" {
			_ = h.idempotency.Release(ctx, tenantID, idempotencyKey, repository.ResourceQuote)
		}
		respondError(c, err, "failed to create quote")
		return
	}

	response.Success(c, http.StatusCreated, q)
}

// HandleList handles GET /api/v1/quotes.
func (h *QuoteHandler) HandleList(c *gin.Context) {
	quotes, err := h.lister.ListByTenant(c.Request.Context(), tenantFrom(c), queryLimit(c))
	if err != nil {
		respondError(c, err, "failed to list quotes")
		return
	}
	response.Success(c, http.StatusOK, quotes)
}

// HandleGet handles GET /api/v1/quotes/:quote_id.
func (h *QuoteHandler) HandleGet(c *gin.Context) {
	quoteID, ok := pathUUID(c, "quote_id")
	if !ok {
		return
	}

	q, err := h.quotes.Get(c.Request.Context(), tenantFrom(c), quoteID)
	if err != nil {
		respondError(c, err, "failed to retrieve quote")
		return
	}
	response.Success(c, http.StatusOK, q)
}

// HandleRevise handles PATCH /api/v1/quotes/:quote_id.
func (h *QuoteHandler) HandleRevise(c *gin.Context) {
	quoteID, ok := pathUUID(c, "quote_id")
	if !ok {
		return
	}

	var in quote.ReviseInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	in.Actor = actorFrom(c)

	q, err := h.quotes.ReviseQuote(c.Request.Context(), tenantFrom(c), quoteID, in)
	if err != nil {
		respondError(c, err, "failed to revise quote")
		return
	}
	response.Success(c, http.StatusOK, q)
}

// HandleFinalize handles POST /api/v1/quotes/:quote_id/transitions.
func (h *QuoteHandler) HandleFinalize(c *gin.Context) {
	quoteID, ok := pathUUID(c, "quote_id")
	if !ok {
		return
	}

	var in quote.FinalizeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if in.ToStatus == "" {
		response.BadRequest(c, "to_status is required", nil)
		return
	}
	in.Actor = actorFrom(c)

	result, err := h.quotes.FinalizeQuote(c.Request.Context(), tenantFrom(c), quoteID, in)
	if err != nil {
		respondError(c, err, "failed to finalize quote")
		return
	}
	response.Success(c, http.StatusOK, result)
}

// HandleReplay handles GET /api/v1/quotes/:quote_id/replay.
func (h *QuoteHandler) HandleReplay(c *gin.Context) {
	quoteID, ok := pathUUID(c, "quote_id")
	if !ok {
		return
	}

	result, err := h.quotes.ReplayQuote(c.Request.Context(), tenantFrom(c), quoteID)
	if err != nil {
		respondError(c, err, "failed to replay quote")
		return
	}
	response.Success(c, http.StatusOK, result)
}

// HandleExplain handles GET /api/v1/quotes/:quote_id/explain.
func (h *QuoteHandler) HandleExplain(c *gin.Context) {
	quoteID, ok := pathUUID(c, "quote_id")
	if !ok {
		return
	}

	exp, err := h.quotes.ExplainQuotePrice(c.Request.Context(), tenantFrom(c), quoteID)
	if err != nil {
		respondError(c, err, "failed to explain quote")
		return
	}
	response.Success(c, http.StatusOK, exp)
}
