package inference

import (
	"context"
	"log/slog"
	"strings"
)

// Severity buckets shared with the estimate severity table.
const (
	SeverityMinor    = "minor"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
)

// VisionRequest is the input to a vision analysis.
type VisionRequest struct {
	VIN       string   `json:"vin"`
	PhotoURLs []string `json:"photo_urls"`
	Notes     string   `json:"notes"`
}

// VisionFinding is the structured result of a vision analysis.
type VisionFinding struct {
	Severity            string   `json:"severity"`
	Confidence          float64  `json:"confidence"`
	Summary             string   `json:"summary"`
	RecommendedServices []string `json:"recommended_services"`
	Provider            string   `json:"provider"`
	Model               string   `json:"model"`
	FallbackUsed        bool     `json:"fallback_used"`
}

// VisionFunc is a pluggable vision model invocation.
type VisionFunc func(ctx context.Context, req VisionRequest) (*VisionFinding, error)

// HeuristicEstimate buckets severity from photo count and note keywords. It is
// a placeholder for real vision output and always reports FallbackUsed.
func HeuristicEstimate(req VisionRequest) *VisionFinding {
	photos := len(req.PhotoURLs)
	notes := strings.ToLower(req.Notes)

	severity := SeverityMinor
	switch {
	case photos >= 8:
		severity = SeveritySevere
	case photos >= 4:
		severity = SeverityModerate
	}
	// Damage keywords in the notes bump severity one level.
	for _, kw := range []string{"crack", "tear", "flood", "mold", "burn"} {
		if strings.Contains(notes, kw) {
			if severity == SeverityMinor {
				severity = SeverityModerate
			} else {
				severity = SeveritySevere
			}
			break
		}
	}

	confidence := 0.35
	if photos == 0 {
		confidence = 0.2
	}

	return &VisionFinding{
		Severity:            severity,
		Confidence:          confidence,
		Summary:             "Estimated from photo count and inspection notes",
		RecommendedServices: servicesForSeverity(severity),
		Provider:            "heuristic",
		Model:               "photo-count-v1",
		FallbackUsed:        true,
	}
}

func servicesForSeverity(severity string) []string {
	switch severity {
	case SeveritySevere:
		return []string{"full_reconditioning", "paint_correction", "interior_deep_clean"}
	case SeverityModerate:
		return []string{"paint_correction", "interior_deep_clean"}
	default:
		return []string{"wash", "interior_detail"}
	}
}

// VisionClient runs a vision model behind a guard and never fails: when the
// model is absent, failing or circuit-broken it returns the heuristic estimate.
type VisionClient struct {
	guard  *Guard
	infer  VisionFunc
	logger *slog.Logger
}

// NewVisionClient creates a client. A nil infer always uses the heuristic.
func NewVisionClient(guard *Guard, infer VisionFunc) *VisionClient {
	return &VisionClient{
		guard:  guard,
		infer:  infer,
		logger: slog.Default().With(slog.String("service", "vision")),
	}
}

// Analyze returns a finding for the request.
func (c *VisionClient) Analyze(ctx context.Context, req VisionRequest) *VisionFinding {
	if c.infer == nil {
		return HeuristicEstimate(req)
	}

	finding, err := Do(ctx, c.guard, func(ctx context.Context) (*VisionFinding, error) {
		return c.infer(ctx, req)
	})
	if err != nil || finding == nil {
		if err != nil {
			c.logger.Info("vision unavailable, using heuristic estimate",
				slog.String("vin", req.VIN),
				slog.String("error", err.Error()))
		}
		return HeuristicEstimate(req)
	}
	return finding
}
