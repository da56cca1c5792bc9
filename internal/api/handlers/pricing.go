package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/api/response"
	"github.com/reconiq/quote-engine/internal/ingest"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/repository"
	"github.com/reconiq/quote-engine/internal/rules"
)

// ImportLookup reads back a recorded rule import.
type ImportLookup interface {
	GetByID(ctx context.Context, tenantID, id uuid.UUID) (*models.RuleImport, error)
}

// PricingHandler handles pricing rules and price previews.
type PricingHandler struct {
	rules       RuleSource
	importer    *ingest.Importer
	imports     ImportLookup
	idempotency IdempotencyClaimer
	maxFileSize int64
}

// NewPricingHandler creates a new pricing handler.
func NewPricingHandler(
	ruleSource RuleSource,
	importer *ingest.Importer,
	imports ImportLookup,
	idempotency IdempotencyClaimer,
	maxFileSize int64,
) *PricingHandler {
	return &PricingHandler{
		rules:       ruleSource,
		importer:    importer,
		imports:     imports,
		idempotency: idempotency,
		maxFileSize: maxFileSize,
	}
}

type previewResponse struct {
	Pricing      rules.Result       `json:"pricing"`
	Coefficients map[string]float64 `json:"coefficients"`
}

// HandlePreview handles POST /api/v1/pricing/preview. It evaluates the
// tenant's rules against the request without writing anything.
func (h *PricingHandler) HandlePreview(c *gin.Context) {
	tenantID := tenantFrom(c)

	var in rules.PricingInput
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request body", err.Error())
		return
	}

	records, err := h.rules.ListByTenant(c.Request.Context(), tenantID)
	if err != nil {
		respondError(c, err, "failed to load pricing rules")
		return
	}

	pctx, err := rules.BuildContext(tenantID, in, records)
	if err != nil {
		respondError(c, err, "failed to build pricing context")
		return
	}
	result := rules.ComputeQuotePricing(pctx)

	response.Success(c, http.StatusOK, previewResponse{
		Pricing:      result,
		Coefficients: result.Coefficients(pctx),
	})
}

// HandleListRules handles GET /api/v1/pricing-rules.
func (h *PricingHandler) HandleListRules(c *gin.Context) {
	records, err := h.rules.ListByTenant(c.Request.Context(), tenantFrom(c))
	if err != nil {
		respondError(c, err, "failed to list pricing rules")
		return
	}
	response.Success(c, http.StatusOK, records)
}

// HandleImport handles POST /api/v1/pricing-rules/import.
func (h *PricingHandler) HandleImport(c *gin.Context) {
	tenantID := tenantFrom(c)
	ctx := c.Request.Context()

	importID := uuid.New()
	idempotencyKey := c.GetHeader("Idempotency-Key")
	if idempotencyKey != "" {
		claim, err := h.idempotency.Claim(ctx, tenantID, idempotencyKey, repository.ResourceRuleImport, importID)
		if err != nil {
			respondError(c, err, "idempotency check failed")
			return
		}
		if claim.AlreadyExists {
			existing, err := h.imports.GetByID(ctx, tenantID, claim.ResourceID)
			if err != nil {
				respondError(c, err, "failed to load rule import")
				return
			}
			response.Conflict(c, "duplicate rule import (idempotency key match)", existing)
			return
		}
	}
	release := func() {
		if idempotencyKey != "" {
			_ = h.idempotency.Release(ctx, tenantID, idempotencyKey, repository.ResourceRuleImport)
		}
	}

	file, err := c.FormFile("file")
	if err != nil {
		release()
		response.BadRequest(c, "file field is required", nil)
		return
	}

	if file.Header.Get("Content-Type") != "text/csv" && filepath.Ext(file.Filename) != ".csv" {
		release()
		response.BadRequest(c, "file must be a CSV", nil)
		return
	}

	if file.Size > h.maxFileSize {
		release()
		response.TooLarge(c, fmt.Sprintf("file exceeds max size of %d bytes", h.maxFileSize))
		return
	}

	src, err := file.Open()
	if err != nil {
		release()
		response.InternalError(c, "failed to open uploaded file")
		return
	}
	defer src.Close()

	result, err := h.importer.Import(ctx, ingest.ImportRequest{
		ID:             importID,
		TenantID:       tenantID,
		Filename:       file.Filename,
		FileSize:       file.Size,
		Body:           src,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidFile) && result != nil {
			response.BadRequest(c, err.Error(), gin.H{
				"import":   result.Import,
				"warnings": result.Warnings,
			})
			return
		}
		release()
		respondError(c, err, "failed to import pricing rules")
		return
	}

	if result.Duplicate {
		release()
		response.Success(c, http.StatusOK, gin.H{
			"import":    result.Import,
			"warnings":  result.Warnings,
			"duplicate": true,
			"message":   "File already applied; returning the existing import.",
		})
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"import":   result.Import,
		"warnings": result.Warnings,
	})
}
