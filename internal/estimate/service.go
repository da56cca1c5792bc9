// Package estimate produces damage-based estimates on the AI path or the
// deterministic fallback path, and records a replayable artifact for each.
package estimate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/metrics"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/money"
	"github.com/reconiq/quote-engine/internal/rules"
	"github.com/reconiq/quote-engine/internal/upsell"
)

const (
	// LaborRate is the fixed shop labor rate in dollars per hour.
	LaborRate = 85.0

	damageBasePrice        = 90.0
	minHistoricalInfluence = 0.75
	laborCode              = "labor"
)

// ErrInvalidInput is returned before any computation when the request is malformed.
var ErrInvalidInput = errors.New("invalid estimate input")

var severityMultipliers = map[string]float64{
	"minor":    1.0,
	"moderate": 1.6,
	"severe":   2.4,
}

// DamageFinding is one damaged area reported by inspection.
type DamageFinding struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
}

// HistoricalMatch is a comparable prior job.
type HistoricalMatch struct {
	JobID      string  `json:"job_id"`
	TotalPrice float64 `json:"total_price"`
}

// LaborPrediction carries the predicted base labor hours.
type LaborPrediction struct {
	BaseHours float64 `json:"base_hours"`
}

// RiskInput holds optional risk multipliers; nil means 1.
type RiskInput struct {
	Market            *float64 `json:"market,omitempty"`
	ClaimFraud        *float64 `json:"claim_fraud,omitempty"`
	Seasonal          *float64 `json:"seasonal,omitempty"`
	PartsAvailability *float64 `json:"parts_availability,omitempty"`
}

// FactorOverrides explicitly set final-price multipliers. Unset values default
// from the risk multipliers (vehicle size, condition, complexity, labor location)
// or to 1 (market rate, risk reserve).
type FactorOverrides struct {
	VehicleSize          *float64 `json:"vehicle_size,omitempty"`
	Condition            *float64 `json:"condition,omitempty"`
	ComplexityAdjustment *float64 `json:"complexity_adjustment,omitempty"`
	LaborLocation        *float64 `json:"labor_location,omitempty"`
	MarketRate           *float64 `json:"market_rate,omitempty"`
	RiskReserve          *float64 `json:"risk_reserve,omitempty"`
}

// Input is a single estimate request.
type Input struct {
	VIN               string            `json:"vin"`
	CorrelationID     string            `json:"correlation_id,omitempty"`
	QuoteVersion      int               `json:"quote_version"`
	VehicleClass      string            `json:"vehicle_class,omitempty"`
	VehicleYear       int               `json:"vehicle_year,omitempty"`
	Mileage           float64           `json:"mileage,omitempty"`
	DifficultyScore   *float64          `json:"difficulty_score,omitempty"`
	DamageFindings    []DamageFinding   `json:"damage_findings"`
	HistoricalMatches []HistoricalMatch `json:"historical_matches"`
	LaborPrediction   LaborPrediction   `json:"labor_prediction"`
	RiskMultipliers   RiskInput         `json:"risk_multipliers"`
	Factors           FactorOverrides   `json:"factors"`
	UpsellInput       float64           `json:"upsell_input"`
	DiscountsInput    float64           `json:"discounts_input"`
	UpsellHistory     []upsell.PriorJob `json:"upsell_history,omitempty"`
	AIAvailable       bool              `json:"ai_available"`

	// TenantRules are applied after risk, in slice order.
	TenantRules []rules.Rule `json:"-"`
}

// AIInference is the structured result of an AI pricing call.
type AIInference struct {
	LineItems     []models.EstimateLineItem `json:"line_items"`
	LaborHours    float64                   `json:"labor_hours"`
	Justification string                    `json:"justification"`
	Confidence    float64                   `json:"confidence"`
}

// InferFunc performs AI pricing for an input.
type InferFunc func(ctx context.Context, in Input) (*AIInference, error)

// Service builds estimates.
type Service struct {
	logger *slog.Logger
	newID  func() string
}

// NewService creates a pricing service.
func NewService() *Service {
	return &Service{
		logger: slog.Default().With(slog.String("service", "pricing")),
		newID:  func() string { return uuid.New().String() },
	}
}

// baseResult is what either path hands to the shared finishing steps.
type baseResult struct {
	path          string
	lineItems     []models.EstimateLineItem
	laborHours    float64
	justification string
	confidence    float64
	usedFallback  bool
}

// CreateEstimate runs AI pricing when available and falls back to the
// deterministic path otherwise. AI failures never surface as errors; only
// validation failures do.
func (s *Service) CreateEstimate(ctx context.Context, in Input, infer InferFunc) (*models.Estimate, error) {
	if err := validate(in); err != nil {
		return nil, err
	}

	logger := s.logger.With(
		slog.String("vin", in.VIN),
		slog.String("correlation_id", in.CorrelationID),
	)

	var base baseResult
	if !in.AIAvailable || infer == nil {
		base = deterministicFallback(in)
	} else {
		ai, err := infer(ctx, in)
		switch {
		case err != nil:
			logger.Info("ai inference failed, using deterministic fallback", slog.String("error", err.Error()))
			base = deterministicFallback(in)
			base.usedFallback = true
		case ai == nil || len(ai.LineItems) == 0:
			logger.Info("ai inference returned no line items, using deterministic fallback")
			base = deterministicFallback(in)
			base.usedFallback = true
		default:
			base = mergeAIAndRuleOutputs(in, ai)
		}
	}

	est := s.finish(in, base)
	metrics.RecordEstimate(est.Artifact.Path)

	logger.Info("estimate created",
		slog.String("estimate_id", est.EstimateID),
		slog.String("path", est.Artifact.Path),
		slog.Float64("total", est.Total),
		slog.Bool("used_fallback", est.UsedFallback))

	return est, nil
}

func validate(in Input) error {
	if strings.TrimSpace(in.VIN) == "" {
		return fmt.Errorf("%w: vin is required", ErrInvalidInput)
	}
	if in.LaborPrediction.BaseHours < 0 {
		return fmt.Errorf("%w: labor hours must be non-negative", ErrInvalidInput)
	}
	if in.UpsellInput < 0 || in.DiscountsInput < 0 {
		return fmt.Errorf("%w: upsell and discounts must be non-negative", ErrInvalidInput)
	}
	for i, f := range in.DamageFindings {
		sev := strings.ToLower(strings.TrimSpace(f.Severity))
		if sev == "" {
			continue
		}
		if _, ok := severityMultipliers[sev]; !ok {
			return fmt.Errorf("%w: finding %d has unknown severity %q", ErrInvalidInput, i, f.Severity)
		}
	}
	return nil
}

// deterministicFallback prices each finding from the severity table, scaled by
// historical price influence with a 0.75 floor.
func deterministicFallback(in Input) baseResult {
	influence := historicalPriceInfluence(in.HistoricalMatches)
	scale := math.Max(influence, minHistoricalInfluence)

	source := models.SourceRule
	if len(in.HistoricalMatches) > 0 {
		source = models.SourceHistorical
	}
	confidence := math.Min(0.9, 0.55+0.05*float64(len(in.HistoricalMatches)))

	items := make([]models.EstimateLineItem, 0, len(in.DamageFindings))
	for i, f := range in.DamageFindings {
		sev := strings.ToLower(strings.TrimSpace(f.Severity))
		if sev == "" {
			sev = "minor"
		}
		unit := money.Round2(damageBasePrice * severityMultipliers[sev] * scale)

		code := f.Code
		if code == "" {
			code = fmt.Sprintf("damage_%d", i+1)
		}
		desc := f.Description
		if desc == "" {
			desc = fmt.Sprintf("%s damage repair", sev)
		}

		items = append(items, models.EstimateLineItem{
			Code:        code,
			Description: desc,
			Quantity:    1,
			UnitPrice:   unit,
			Total:       unit,
			Confidence:  confidence,
			Source:      source,
		})
	}

	return baseResult{
		path:       models.PathFallback,
		lineItems:  items,
		laborHours: in.LaborPrediction.BaseHours,
		justification: fmt.Sprintf(
			"Deterministic pricing: %d damage findings from the severity table, %d historical matches",
			len(in.DamageFindings), len(in.HistoricalMatches)),
		confidence:   confidence,
		usedFallback: true,
	}
}

// historicalPriceInfluence is mean(totalPrice)/1000 over matches, or 0 when
// there are none so the 0.75 floor applies.
func historicalPriceInfluence(matches []HistoricalMatch) float64 {
	if len(matches) == 0 {
		return 0
	}
	var sum float64
	for _, m := range matches {
		sum += m.TotalPrice
	}
	return sum / float64(len(matches)) / 1000
}

// mergeAIAndRuleOutputs uses AI line items, labor and justification as the base.
func mergeAIAndRuleOutputs(in Input, ai *AIInference) baseResult {
	items := make([]models.EstimateLineItem, 0, len(ai.LineItems))
	for _, li := range ai.LineItems {
		if strings.EqualFold(li.Code, laborCode) {
			continue
		}
		if li.Quantity <= 0 {
			li.Quantity = 1
		}
		if li.Total == 0 {
			li.Total = money.Round2(li.UnitPrice * li.Quantity)
		}
		li.Confidence = clampConfidence(li.Confidence)
		li.Source = models.SourceAI
		items = append(items, li)
	}

	hours := ai.LaborHours
	if hours <= 0 {
		hours = in.LaborPrediction.BaseHours
	}

	return baseResult{
		path:          models.PathAI,
		lineItems:     items,
		laborHours:    hours,
		justification: ai.Justification,
		confidence:    clampConfidence(ai.Confidence),
	}
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) {
		return 0
	}
	return money.Round2(math.Min(1, math.Max(0, c)))
}

// finish applies risk, tenant rules and final factors shared by both paths.
func (s *Service) finish(in Input, base baseResult) *models.Estimate {
	var baseSubtotal float64
	for _, li := range base.lineItems {
		baseSubtotal += li.Total
	}
	baseSubtotal = money.Round2(baseSubtotal)

	risk := models.RiskMultipliers{
		Market:            valueOr(in.RiskMultipliers.Market, 1),
		ClaimFraud:        valueOr(in.RiskMultipliers.ClaimFraud, 1),
		Seasonal:          valueOr(in.RiskMultipliers.Seasonal, 1),
		PartsAvailability: valueOr(in.RiskMultipliers.PartsAvailability, 1),
	}
	riskFactor := risk.Product()
	subtotalAfterRisk := money.Round2(baseSubtotal * riskFactor)

	subtotal, laborHours, evaluations := applyTenantRules(in, base, subtotalAfterRisk)
	laborLineTotal := money.Round2(laborHours * LaborRate)

	vsf := valueOr(in.Factors.VehicleSize, risk.Market)
	cf := valueOr(in.Factors.Condition, risk.ClaimFraud)
	caf := valueOr(in.Factors.ComplexityAdjustment, risk.Seasonal)
	llf := valueOr(in.Factors.LaborLocation, risk.PartsAvailability)
	mrf := valueOr(in.Factors.MarketRate, 1)
	rrf := valueOr(in.Factors.RiskReserve, 1)
	factorProduct := vsf * cf * caf * llf * mrf * rrf

	total := finalTotal(subtotal, laborLineTotal, factorProduct, in.UpsellInput, in.DiscountsInput)

	matched := make([]string, 0, len(evaluations))
	for _, ev := range evaluations {
		matched = append(matched, ev.RuleID)
	}

	artifact := models.PricingArtifact{
		QuoteVersion:         in.QuoteVersion,
		CorrelationID:        in.CorrelationID,
		Path:                 base.path,
		BaseSubtotal:         baseSubtotal,
		RiskMultipliers:      risk,
		RiskFactor:           riskFactor,
		SubtotalAfterRisk:    subtotalAfterRisk,
		SubtotalAfterRules:   subtotal,
		LaborHoursInput:      base.laborHours,
		LaborHoursAfterRules: laborHours,
		LaborRate:            LaborRate,
		LaborLineTotal:       laborLineTotal,
		MatchedRuleIDs:       matched,
		RuleEvaluations:      evaluations,
		ComputedIntermediates: map[string]float64{
			"baseSubtotal":               baseSubtotal,
			"lineItemCount":              float64(len(base.lineItems)),
			"marketRisk":                 risk.Market,
			"claimFraudRisk":             risk.ClaimFraud,
			"seasonalRisk":               risk.Seasonal,
			"partsAvailabilityRisk":      risk.PartsAvailability,
			"riskFactor":                 riskFactor,
			"subtotalAfterRisk":          subtotalAfterRisk,
			"subtotalAfterRules":         subtotal,
			"laborHoursInput":            base.laborHours,
			"laborHoursAfterRules":       laborHours,
			"laborRate":                  LaborRate,
			"laborLineTotal":             laborLineTotal,
			"estimateSubtotal":           money.Round2(subtotal + laborLineTotal),
			"vehicleSizeFactor":          vsf,
			"conditionFactor":            cf,
			"complexityAdjustmentFactor": caf,
			"laborLocationFactor":        llf,
			"marketRateFactor":           mrf,
			"riskReserveFactor":          rrf,
			"factorProduct":              factorProduct,
			"upsellInput":                in.UpsellInput,
			"discountsInput":             in.DiscountsInput,
			"total":                      total,
		},
	}

	lineItems := append([]models.EstimateLineItem{}, base.lineItems...)
	lineItems = append(lineItems, models.EstimateLineItem{
		Code:        laborCode,
		Description: fmt.Sprintf("Labor %.2f h at $%.2f/h", laborHours, LaborRate),
		Quantity:    laborHours,
		UnitPrice:   LaborRate,
		Total:       laborLineTotal,
		Confidence:  base.confidence,
		Source:      laborSource(base.path),
	})

	upsells := upsell.GenerateRecommendations(upsell.Input{
		VehicleEmbedding: upsell.VehicleEmbedding(in.VehicleYear, in.Mileage),
		PriceAnchor:      total,
		History:          in.UpsellHistory,
	})

	return &models.Estimate{
		EstimateID:         s.newID(),
		VIN:                strings.ToUpper(strings.TrimSpace(in.VIN)),
		LineItems:          lineItems,
		LaborHours:         laborHours,
		AIJustification:    base.justification,
		Confidence:         base.confidence,
		RecommendedUpsells: upsells,
		FactorExplanations: ExplainArtifact(artifact),
		Total:              total,
		UsedFallback:       base.usedFallback,
		Artifact:           artifact,
	}
}

// applyTenantRules folds the tenant rules over (subtotal, labor hours). Rules
// see the subtotal in cents, matching the service-quote surface.
func applyTenantRules(in Input, base baseResult, subtotal float64) (float64, float64, []models.RuleEvaluation) {
	laborHours := base.laborHours
	evaluations := make([]models.RuleEvaluation, 0)

	codes := make([]string, 0, len(base.lineItems)+1)
	for _, li := range base.lineItems {
		codes = append(codes, li.Code)
	}
	codes = append(codes, laborCode)

	for _, rule := range in.TenantRules {
		subject := rules.Subject{
			ServiceCodes:    codes,
			SubtotalCents:   subtotal * 100,
			DifficultyScore: in.DifficultyScore,
			VehicleClass:    strings.ToLower(in.VehicleClass),
		}
		if !rule.Matches(subject) {
			continue
		}

		cents, hours := rule.Apply(subtotal*100, laborHours)
		nextSubtotal := money.Round2(cents / 100)
		nextHours := money.Round2(hours)

		evaluations = append(evaluations, models.RuleEvaluation{
			RuleID:           rule.RuleID(),
			Code:             rule.RuleCode(),
			SubtotalBefore:   subtotal,
			SubtotalAfter:    nextSubtotal,
			LaborHoursBefore: laborHours,
			LaborHoursAfter:  nextHours,
		})
		subtotal, laborHours = nextSubtotal, nextHours
	}

	return subtotal, laborHours, evaluations
}

func laborSource(path string) models.LineItemSource {
	if path == models.PathAI {
		return models.SourceAI
	}
	return models.SourceRule
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
