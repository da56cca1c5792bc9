package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/api/response"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/pipeline"
	"github.com/reconiq/quote-engine/internal/usage"
)

// AgentRunReader reads agent run records.
type AgentRunReader interface {
	GetByID(ctx context.Context, tenantID, runID uuid.UUID) (*models.AgentRun, error)
	ListByTenant(ctx context.Context, tenantID uuid.UUID, limit int) ([]models.AgentRun, error)
}

// PipelineHandler handles inspection pipeline runs and their agent records.
type PipelineHandler struct {
	pipeline *pipeline.Pipeline
	runs     AgentRunReader
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(p *pipeline.Pipeline, runs AgentRunReader) *PipelineHandler {
	return &PipelineHandler{pipeline: p, runs: runs}
}

// HandleRun handles POST /api/v1/inspections. The pipeline runs inline; a
// failed step answers 500 with whatever completed before it.
func (h *PipelineHandler) HandleRun(c *gin.Context) {
	tenantID := tenantFrom(c)

	var req pipeline.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(req.VIN) == "" {
		response.BadRequest(c, "vin is required", nil)
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = correlationFrom(c)
	}

	result, err := h.pipeline.RunMetered(c.Request.Context(), tenantID, req)
	if err != nil {
		var rlErr *usage.RateLimitError
		if errors.As(err, &rlErr) || result == nil {
			respondError(c, err, "failed to run inspection pipeline")
			return
		}
		response.Error(c, http.StatusInternalServerError, "PIPELINE_FAILED", err.Error(), result)
		return
	}

	response.Success(c, http.StatusCreated, result)
}

// HandleListRuns handles GET /api/v1/agent-runs.
func (h *PipelineHandler) HandleListRuns(c *gin.Context) {
	runs, err := h.runs.ListByTenant(c.Request.Context(), tenantFrom(c), queryLimit(c))
	if err != nil {
		respondError(c, err, "failed to list agent runs")
		return
	}
	response.Success(c, http.StatusOK, runs)
}

// HandleGetRun handles GET /api/v1/agent-runs/:run_id.
func (h *PipelineHandler) HandleGetRun(c *gin.Context) {
	runID, ok := pathUUID(c, "run_id")
	if !ok {
		return
	}

	run, err := h.runs.GetByID(c.Request.Context(), tenantFrom(c), runID)
	if err != nil {
		respondError(c, err, "failed to retrieve agent run")
		return
	}
	if run == nil {
		response.NotFound(c, "agent run not found")
		return
	}
	response.Success(c, http.StatusOK, run)
}
