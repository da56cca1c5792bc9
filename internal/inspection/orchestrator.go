package inspection

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/inference"
	"github.com/reconiq/quote-engine/internal/rules"
	"github.com/reconiq/quote-engine/internal/upsell"
)

// PriceOptions carries the pricing inputs that do not come from the inspection.
type PriceOptions struct {
	CorrelationID     string                     `json:"correlation_id,omitempty"`
	LaborHours        float64                    `json:"labor_hours,omitempty"`
	HistoricalMatches []estimate.HistoricalMatch `json:"historical_matches,omitempty"`
	RiskMultipliers   estimate.RiskInput         `json:"risk_multipliers"`
	Factors           estimate.FactorOverrides   `json:"factors"`
	UpsellInput       float64                    `json:"upsell_input"`
	DiscountsInput    float64                    `json:"discounts_input"`
	UpsellHistory     []upsell.PriorJob          `json:"upsell_history,omitempty"`

	TenantRules []rules.Rule       `json:"-"`
	Infer       estimate.InferFunc `json:"-"`
}

// Orchestrator runs the individual inspection steps.
type Orchestrator struct {
	enricher  *inference.Enricher
	vision    *inference.VisionClient
	estimates *estimate.Service
	now       func() time.Time
	logger    *slog.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(enricher *inference.Enricher, vision *inference.VisionClient, estimates *estimate.Service) *Orchestrator {
	return &Orchestrator{
		enricher:  enricher,
		vision:    vision,
		estimates: estimates,
		now:       time.Now,
		logger:    slog.Default().With(slog.String("service", "inspection")),
	}
}

// Enrich decodes the VIN. Decoding never fails; the fallback is recorded on
// the vehicle attributes.
func (o *Orchestrator) Enrich(ctx context.Context, insp *Inspection) error {
	if insp.Status != StatusIntake {
		return fmt.Errorf("%w: enrich requires %s, inspection is %s", ErrInvalidStep, StatusIntake, insp.Status)
	}
	attrs := o.enricher.EnrichVehicleFromVIN(ctx, insp.VIN)
	insp.Vehicle = &attrs
	return insp.Advance(StatusEnriched, o.now())
}

// Analyze runs vision over the photos and derives the difficulty score.
func (o *Orchestrator) Analyze(ctx context.Context, insp *Inspection) error {
	if insp.Status != StatusEnriched {
		return fmt.Errorf("%w: analyze requires %s, inspection is %s", ErrInvalidStep, StatusEnriched, insp.Status)
	}
	finding := o.vision.Analyze(ctx, inference.VisionRequest{
		VIN:       insp.VIN,
		PhotoURLs: insp.PhotoURLs,
		Notes:     insp.Notes,
	})
	score := DifficultyScore(finding)
	insp.Finding = finding
	insp.DifficultyScore = &score

	o.logger.Info("inspection analyzed",
		slog.String("inspection_id", insp.ID.String()),
		slog.String("severity", finding.Severity),
		slog.Bool("fallback_used", finding.FallbackUsed),
		slog.Float64("difficulty_score", score))
	return insp.Advance(StatusAnalyzed, o.now())
}

// EstimateInput assembles the estimate request for an analyzed inspection.
// Without a labor prediction, hours default to 1 plus half the difficulty score.
func EstimateInput(insp *Inspection, opts PriceOptions) estimate.Input {
	in := estimate.Input{
		VIN:               insp.VIN,
		CorrelationID:     opts.CorrelationID,
		Mileage:           insp.Mileage,
		DifficultyScore:   insp.DifficultyScore,
		DamageFindings:    DamageFindings(insp.Finding),
		HistoricalMatches: opts.HistoricalMatches,
		RiskMultipliers:   opts.RiskMultipliers,
		Factors:           opts.Factors,
		UpsellInput:       opts.UpsellInput,
		DiscountsInput:    opts.DiscountsInput,
		UpsellHistory:     opts.UpsellHistory,
		AIAvailable:       opts.Infer != nil,
		TenantRules:       opts.TenantRules,
		LaborPrediction:   estimate.LaborPrediction{BaseHours: opts.LaborHours},
	}
	if in.LaborPrediction.BaseHours <= 0 && insp.DifficultyScore != nil {
		in.LaborPrediction.BaseHours = 1 + *insp.DifficultyScore*0.5
	}
	if insp.Vehicle != nil {
		in.VehicleClass = insp.Vehicle.NormalizedVehicleClass
		in.VehicleYear = insp.Vehicle.DecodedModelYear
		if in.Factors.VehicleSize == nil {
			size := inference.SizeMultiplier(insp.Vehicle.NormalizedVehicleClass)
			in.Factors.VehicleSize = &size
		}
	}
	return in
}

// Price creates the estimate. Estimate validation errors fail the step; AI
// errors never do because the estimate service falls back.
func (o *Orchestrator) Price(ctx context.Context, insp *Inspection, opts PriceOptions) error {
	if insp.Status != StatusAnalyzed {
		return fmt.Errorf("%w: price requires %s, inspection is %s", ErrInvalidStep, StatusAnalyzed, insp.Status)
	}
	est, err := o.estimates.CreateEstimate(ctx, EstimateInput(insp, opts), opts.Infer)
	if err != nil {
		return fmt.Errorf("failed to price inspection: %w", err)
	}
	insp.Estimate = est
	return insp.Advance(StatusPriced, o.now())
}

// Deliver marks a priced inspection delivered.
func (o *Orchestrator) Deliver(insp *Inspection) error {
	if insp.Estimate == nil {
		return fmt.Errorf("%w: nothing to deliver", ErrInvalidStep)
	}
	return insp.Advance(StatusDelivered, o.now())
}

// Fail records a step failure on the inspection.
func (o *Orchestrator) Fail(insp *Inspection, cause error) {
	insp.Fail(cause, o.now())
	o.logger.Warn("inspection failed",
		slog.String("inspection_id", insp.ID.String()),
		slog.String("error", cause.Error()))
}
