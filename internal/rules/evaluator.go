package rules

import (
	"github.com/reconiq/quote-engine/internal/money"
)

// AppliedRule is a trace entry for one rule that matched during evaluation.
type AppliedRule struct {
	RuleID              string `json:"rule_id"`
	Code                string `json:"code"`
	Name                string `json:"name"`
	Priority            int    `json:"priority"`
	SubtotalBeforeCents int64  `json:"subtotal_before_cents"`
	SubtotalAfterCents  int64  `json:"subtotal_after_cents"`
}

// Result is the output of ComputeQuotePricing.
type Result struct {
	BaseSubtotalCents    int64         `json:"base_subtotal_cents"`
	PreRuleSubtotalCents int64         `json:"pre_rule_subtotal_cents"`
	SubtotalCents        int64         `json:"subtotal_cents"`
	TotalCents           int64         `json:"total_cents"`
	AppliedRules         []AppliedRule `json:"applied_rules"`
}

// Coefficients returns the named multipliers and offsets used, for audit traces.
func (r Result) Coefficients(ctx *Context) map[string]float64 {
	return map[string]float64{
		"demand_multiplier":       valueOr(ctx.Signals.DemandMultiplier, 1),
		"vehicle_size_multiplier": valueOr(ctx.Signals.VehicleSizeMultiplier, 1),
		"add_ons_cents":           float64(ctx.Signals.AddOnsCents),
		"discount_cents":          float64(ctx.Signals.DiscountCents),
	}
}

// ComputeQuotePricing folds the context's active rules, in ascending priority,
// over the running subtotal and returns the resulting totals with a trace of
// every rule that matched. It performs no I/O and is deterministic.
func ComputeQuotePricing(ctx *Context) Result {
	var base int64
	for _, svc := range ctx.Services {
		base += money.RoundCents(float64(svc.BasePriceCents) * svc.Quantity)
	}

	demand := valueOr(ctx.Signals.DemandMultiplier, 1)
	size := valueOr(ctx.Signals.VehicleSizeMultiplier, 1)
	preRule := money.RoundCents(float64(base) * demand * size)

	codes := ctx.ServiceCodes()
	running := preRule
	applied := make([]AppliedRule, 0)

	for _, rule := range Ordered(ctx.Rules) {
		subject := Subject{
			ServiceCodes:    codes,
			SubtotalCents:   float64(running),
			DifficultyScore: ctx.Signals.DifficultyScore,
			VehicleClass:    ctx.VehicleClass,
		}
		if !rule.Matches(subject) {
			continue
		}

		after, _ := rule.Apply(float64(running), 0)
		next := money.RoundCents(after)

		rec := rule.(RecordRule).Record
		applied = append(applied, AppliedRule{
			RuleID:              rule.RuleID(),
			Code:                rec.Code,
			Name:                rec.Name,
			Priority:            rec.Priority,
			SubtotalBeforeCents: running,
			SubtotalAfterCents:  next,
		})
		running = next
	}

	total := running + ctx.Signals.AddOnsCents - ctx.Signals.DiscountCents
	if total < 0 {
		total = 0
	}

	return Result{
		BaseSubtotalCents:    base,
		PreRuleSubtotalCents: preRule,
		SubtotalCents:        running,
		TotalCents:           total,
		AppliedRules:         applied,
	}
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
