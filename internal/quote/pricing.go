package quote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/money"
	"github.com/reconiq/quote-engine/internal/rules"
)

const (
	adjustmentCode = "pricing_adjustments"
	taxTracePrefix = "Tax "
)

// CreateInput creates a quote from either a service pricing request or a
// previously computed estimate.
type CreateInput struct {
	// ID pins the new quote's id, for callers that claim it ahead of time.
	ID          uuid.UUID           `json:"-"`
	Pricing     *rules.PricingInput `json:"pricing,omitempty"`
	Estimate    *models.Estimate    `json:"estimate,omitempty"`
	TaxRate     float64             `json:"tax_rate"`
	Currency    string              `json:"currency,omitempty"`
	QuoteNumber string              `json:"quote_number,omitempty"`
	Actor       string              `json:"actor"`
}

func (in CreateInput) validate() error {
	if (in.Pricing == nil) == (in.Estimate == nil) {
		return fmt.Errorf("%w: exactly one of pricing or estimate is required", ErrValidation)
	}
	if in.TaxRate < 0 || in.TaxRate > 1 {
		return fmt.Errorf("%w: tax rate must be between 0 and 1", ErrValidation)
	}
	return nil
}

// ReviseInput changes a quote's pricing. At most one of Pricing, Estimate or
// LineItems may be set; with none, the stored line items and subtotal are
// kept and only tax is recomputed.
type ReviseInput struct {
	Pricing   *rules.PricingInput    `json:"pricing,omitempty"`
	Estimate  *models.Estimate       `json:"estimate,omitempty"`
	LineItems []models.QuoteLineItem `json:"line_items,omitempty"`
	TaxRate   *float64               `json:"tax_rate,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Actor     string                 `json:"actor"`
}

func (in ReviseInput) validate() error {
	set := 0
	if in.Pricing != nil {
		set++
	}
	if in.Estimate != nil {
		set++
	}
	if in.LineItems != nil {
		set++
	}
	if set > 1 {
		return fmt.Errorf("%w: only one of pricing, estimate or line_items may be set", ErrValidation)
	}
	if set == 0 && in.TaxRate == nil {
		return fmt.Errorf("%w: nothing to revise", ErrValidation)
	}
	if in.TaxRate != nil && (*in.TaxRate < 0 || *in.TaxRate > 1) {
		return fmt.Errorf("%w: tax rate must be between 0 and 1", ErrValidation)
	}
	return nil
}

// FinalizeInput moves a quote to a new status.
type FinalizeInput struct {
	ToStatus models.QuoteStatus `json:"to_status"`
	Reason   string             `json:"reason"`
	Actor    string             `json:"actor"`
}

// NormalizedContext is stored on every snapshot and drives Explain.
type NormalizedContext struct {
	Coefficients     map[string]float64      `json:"coefficients"`
	CalculationTrace []string                `json:"calculation_trace,omitempty"`
	Context          *rules.Context          `json:"context,omitempty"`
	Artifact         *models.PricingArtifact `json:"artifact,omitempty"`
}

// RuleMetadata records which rules shaped a price.
type RuleMetadata struct {
	AppliedRules    []rules.AppliedRule     `json:"applied_rules,omitempty"`
	RuleEvaluations []models.RuleEvaluation `json:"rule_evaluations,omitempty"`
	MatchedRuleIDs  []string                `json:"matched_rule_ids"`
	ActiveRuleCount int                     `json:"active_rule_count"`
}

// priced is the outcome of pricing a create or revise request.
type priced struct {
	lineItems    []models.QuoteLineItem
	subtotal     int64
	vin          string
	inspectionID *string
	input        any
	context      NormalizedContext
	metadata     RuleMetadata
}

func (s *Service) price(
	ctx context.Context,
	tenantID uuid.UUID,
	pricing *rules.PricingInput,
	est *models.Estimate,
	lineItems []models.QuoteLineItem,
	payload any,
) (*priced, error) {
	var (
		p   *priced
		err error
	)
	switch {
	case pricing != nil:
		p, err = s.priceServices(ctx, tenantID, *pricing)
	case est != nil:
		p, err = priceEstimate(est)
	default:
		p, err = priceLineItems(lineItems)
	}
	if err != nil {
		return nil, err
	}
	if payload != nil {
		p.input = payload
	}
	return p, nil
}

func (s *Service) priceServices(ctx context.Context, tenantID uuid.UUID, in rules.PricingInput) (*priced, error) {
	records, err := s.rules.ListByTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load pricing rules: %w", err)
	}

	pctx, err := rules.BuildContext(tenantID, in, records)
	if err != nil {
		if errors.Is(err, rules.ErrInvalidContext) {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		return nil, err
	}
	result := rules.ComputeQuotePricing(pctx)

	items := make([]models.QuoteLineItem, 0, len(pctx.Services)+1)
	var lineSum int64
	for _, svc := range pctx.Services {
		total := money.RoundCents(float64(svc.BasePriceCents) * svc.Quantity)
		desc := svc.Description
		if desc == "" {
			desc = svc.Code
		}
		items = append(items, models.QuoteLineItem{
			Code:           svc.Code,
			Description:    desc,
			Quantity:       svc.Quantity,
			UnitPriceCents: svc.BasePriceCents,
			TotalCents:     total,
		})
		lineSum += total
	}
	items = appendAdjustment(items, result.TotalCents-lineSum, "Demand, vehicle size, rules, add-ons and discounts")

	matched := make([]string, 0, len(result.AppliedRules))
	for _, ar := range result.AppliedRules {
		matched = append(matched, ar.RuleID)
	}

	return &priced{
		lineItems:    items,
		subtotal:     result.TotalCents,
		vin:          pctx.VIN,
		inspectionID: pctx.InspectionID,
		input:        in,
		context: NormalizedContext{
			Coefficients:     result.Coefficients(pctx),
			CalculationTrace: serviceTrace(pctx, result),
			Context:          pctx,
		},
		metadata: RuleMetadata{
			AppliedRules:    result.AppliedRules,
			MatchedRuleIDs:  matched,
			ActiveRuleCount: len(rules.Ordered(pctx.Rules)),
		},
	}, nil
}

func priceEstimate(est *models.Estimate) (*priced, error) {
	replayed, err := estimate.ReplayEstimateTotalFromArtifact(est.Artifact)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if replayed != est.Total {
		return nil, fmt.Errorf("%w: artifact reproduces %.2f, estimate total is %.2f", ErrValidation, replayed, est.Total)
	}

	items := make([]models.QuoteLineItem, 0, len(est.LineItems)+1)
	var lineSum int64
	for _, li := range est.LineItems {
		total := money.DollarsToCents(li.Total)
		items = append(items, models.QuoteLineItem{
			Code:           li.Code,
			Description:    li.Description,
			Quantity:       li.Quantity,
			UnitPriceCents: money.DollarsToCents(li.UnitPrice),
			TotalCents:     total,
		})
		lineSum += total
	}
	subtotal := money.DollarsToCents(est.Total)
	if subtotal < 0 {
		subtotal = 0
	}
	items = appendAdjustment(items, subtotal-lineSum, "Risk, tenant rules, factors, upsell and discounts")

	coefficients := make(map[string]float64, len(est.Artifact.ComputedIntermediates))
	for k, v := range est.Artifact.ComputedIntermediates {
		coefficients[k] = v
	}
	artifact := est.Artifact

	return &priced{
		lineItems: items,
		subtotal:  subtotal,
		vin:       est.VIN,
		input:     est,
		context: NormalizedContext{
			Coefficients:     coefficients,
			CalculationTrace: append([]string(nil), est.FactorExplanations...),
			Artifact:         &artifact,
		},
		metadata: RuleMetadata{
			RuleEvaluations: est.Artifact.RuleEvaluations,
			MatchedRuleIDs:  est.Artifact.MatchedRuleIDs,
			ActiveRuleCount: len(est.Artifact.RuleEvaluations),
		},
	}, nil
}

func priceLineItems(lineItems []models.QuoteLineItem) (*priced, error) {
	if len(lineItems) == 0 {
		return nil, fmt.Errorf("%w: at least one line item is required", ErrValidation)
	}

	items := make([]models.QuoteLineItem, 0, len(lineItems))
	var subtotal int64
	for i, li := range lineItems {
		if strings.TrimSpace(li.Code) == "" {
			return nil, fmt.Errorf("%w: line item %d has no code", ErrValidation, i)
		}
		if li.Quantity <= 0 || (li.UnitPriceCents < 0 && li.Code != adjustmentCode) {
			return nil, fmt.Errorf("%w: line item %s has an invalid quantity or price", ErrValidation, li.Code)
		}
		li.TotalCents = money.RoundCents(float64(li.UnitPriceCents) * li.Quantity)
		items = append(items, li)
		subtotal += li.TotalCents
	}
	if subtotal < 0 {
		subtotal = 0
	}

	return &priced{
		lineItems: items,
		subtotal:  subtotal,
		input:     lineItems,
		context: NormalizedContext{
			Coefficients: map[string]float64{},
			CalculationTrace: []string{
				fmt.Sprintf("Line items set directly: %d lines totaling %d cents", len(items), subtotal),
			},
		},
		metadata: RuleMetadata{MatchedRuleIDs: []string{}},
	}, nil
}

// applyTotals writes line items and money columns onto q and records the tax
// step in the trace.
func applyTotals(q *models.Quote, p *priced) {
	tax := money.RoundCents(float64(p.subtotal) * q.TaxRate)

	q.LineItems = p.lineItems
	q.SubtotalCents = p.subtotal
	q.TaxCents = tax
	q.TotalCents = p.subtotal + tax

	if p.context.Coefficients == nil {
		p.context.Coefficients = map[string]float64{}
	}
	p.context.Coefficients["tax_rate"] = q.TaxRate
	p.context.CalculationTrace = append(p.context.CalculationTrace,
		fmt.Sprintf(taxTracePrefix+"%s on %d cents = %d cents; quote total %d cents", percent(q.TaxRate), p.subtotal, tax, q.TotalCents))
}

func appendAdjustment(items []models.QuoteLineItem, delta int64, description string) []models.QuoteLineItem {
	if delta == 0 {
		return items
	}
	return append(items, models.QuoteLineItem{
		Code:           adjustmentCode,
		Description:    description,
		Quantity:       1,
		UnitPriceCents: delta,
		TotalCents:     delta,
	})
}

func serviceTrace(pctx *rules.Context, r rules.Result) []string {
	trace := []string{
		fmt.Sprintf("Base subtotal %d cents from %d services", r.BaseSubtotalCents, len(pctx.Services)),
		fmt.Sprintf("Demand x%s and vehicle size x%s give %d cents",
			num(valueOr(pctx.Signals.DemandMultiplier, 1)), num(valueOr(pctx.Signals.VehicleSizeMultiplier, 1)),
			r.PreRuleSubtotalCents),
	}
	if len(r.AppliedRules) == 0 {
		trace = append(trace, "No pricing rules matched")
	}
	for _, ar := range r.AppliedRules {
		trace = append(trace, fmt.Sprintf("Rule %s (priority %d): %d to %d cents",
			ar.Code, ar.Priority, ar.SubtotalBeforeCents, ar.SubtotalAfterCents))
	}
	trace = append(trace, fmt.Sprintf("Add-ons +%d, discount -%d cents: pre-tax total %d cents",
		pctx.Signals.AddOnsCents, pctx.Signals.DiscountCents, r.TotalCents))
	return trace
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func num(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}

func percent(rate float64) string {
	return num(rate*100) + "%"
}

// unmarshalContext reads a snapshot's stored context.
func unmarshalContext(raw json.RawMessage) (NormalizedContext, bool) {
	var nctx NormalizedContext
	if len(raw) == 0 {
		return nctx, false
	}
	if err := json.Unmarshal(raw, &nctx); err != nil {
		return nctx, false
	}
	return nctx, true
}
