package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/api/response"
	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/rules"
)

// InferProvider returns the metered AI pricing function for a tenant, or nil
// when AI pricing is not configured.
type InferProvider func(tenantID uuid.UUID, correlationID string) estimate.InferFunc

// EstimateHandler handles VIN/damage estimates and artifact replay.
type EstimateHandler struct {
	estimates *estimate.Service
	rules     RuleSource
	infer     InferProvider
}

// NewEstimateHandler creates a new estimate handler. infer may be nil.
func NewEstimateHandler(estimates *estimate.Service, rules RuleSource, infer InferProvider) *EstimateHandler {
	return &EstimateHandler{estimates: estimates, rules: rules, infer: infer}
}

type artifactResponse struct {
	Total float64  `json:"total"`
	Lines []string `json:"lines,omitempty"`
}

// HandleCreate handles POST /api/v1/estimates.
func (h *EstimateHandler) HandleCreate(c *gin.Context) {
	tenantID := tenantFrom(c)
	ctx := c.Request.Context()

	var in estimate.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if in.CorrelationID == "" {
		in.CorrelationID = correlationFrom(c)
	}

	records, err := h.rules.ListByTenant(ctx, tenantID)
	if err != nil {
		respondError(c, err, "failed to load pricing rules")
		return
	}
	in.TenantRules = rules.Ordered(records)

	var infer estimate.InferFunc
	if in.AIAvailable && h.infer != nil {
		infer = h.infer(tenantID, in.CorrelationID)
	}

	est, err := h.estimates.CreateEstimate(ctx, in, infer)
	if err != nil {
		respondError(c, err, "failed to create estimate")
		return
	}
	response.Success(c, http.StatusCreated, est)
}

// HandleReplay handles POST /api/v1/estimates/replay. It recomputes the
// total from the posted artifact alone.
func (h *EstimateHandler) HandleReplay(c *gin.Context) {
	var artifact models.PricingArtifact
	if err := c.ShouldBindJSON(&artifact); err != nil {
		response.BadRequest(c, "invalid artifact", err.Error())
		return
	}

	total, err := estimate.ReplayEstimateTotalFromArtifact(artifact)
	if err != nil {
		respondError(c, err, "failed to replay artifact")
		return
	}
	response.Success(c, http.StatusOK, artifactResponse{Total: total})
}

// HandleExplain handles POST /api/v1/estimates/explain.
func (h *EstimateHandler) HandleExplain(c *gin.Context) {
	var artifact models.PricingArtifact
	if err := c.ShouldBindJSON(&artifact); err != nil {
		response.BadRequest(c, "invalid artifact", err.Error())
		return
	}

	total, err := estimate.ReplayEstimateTotalFromArtifact(artifact)
	if err != nil {
		respondError(c, err, "failed to explain artifact")
		return
	}
	response.Success(c, http.StatusOK, artifactResponse{
		Total: total,
		Lines: estimate.ExplainArtifact(artifact),
	})
}
