package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reconiq/quote-engine/internal/agent"
	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/inspection"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/upsell"
)

// Tool names registered by RegisterTools.
const (
	ToolReplayArtifact   = "replay_artifact"
	ToolRouteTechnician  = "route_technician"
	ToolRecommendUpsells = "recommend_upsells"
	ToolExplainArtifact  = "explain_artifact"
)

// RouteRequest is the input to the route_technician tool.
type RouteRequest struct {
	Job         inspection.Job          `json:"job"`
	Technicians []inspection.Technician `json:"technicians"`
}

// ReplayResponse is the output of the replay_artifact tool.
type ReplayResponse struct {
	Total float64 `json:"total"`
}

// RegisterTools installs the pipeline's tools. It fails if any name is taken.
func RegisterTools(reg *agent.ToolRegistry) error {
	tools := map[string]agent.ToolHandler{
		ToolReplayArtifact:   replayArtifactTool,
		ToolExplainArtifact:  explainArtifactTool,
		ToolRouteTechnician:  routeTechnicianTool,
		ToolRecommendUpsells: recommendUpsellsTool,
	}
	for _, name := range []string{ToolReplayArtifact, ToolExplainArtifact, ToolRouteTechnician, ToolRecommendUpsells} {
		if err := reg.Register(name, tools[name]); err != nil {
			return err
		}
	}
	return nil
}

func replayArtifactTool(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var artifact models.PricingArtifact
	if err := json.Unmarshal(input, &artifact); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}
	total, err := estimate.ReplayEstimateTotalFromArtifact(artifact)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ReplayResponse{Total: total})
}

func explainArtifactTool(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var artifact models.PricingArtifact
	if err := json.Unmarshal(input, &artifact); err != nil {
		return nil, fmt.Errorf("invalid artifact: %w", err)
	}
	return json.Marshal(estimate.ExplainArtifact(artifact))
}

func routeTechnicianTool(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req RouteRequest
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, fmt.Errorf("invalid route request: %w", err)
	}
	assignment, err := inspection.AssignTechnician(req.Job, req.Technicians)
	if err != nil {
		return nil, err
	}
	return json.Marshal(assignment)
}

func recommendUpsellsTool(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in upsell.Input
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("invalid upsell input: %w", err)
	}
	return json.Marshal(upsell.GenerateRecommendations(in))
}
