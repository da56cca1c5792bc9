package estimate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/money"
)

// ErrIncompleteArtifact is returned when an artifact lacks the factor product.
var ErrIncompleteArtifact = errors.New("artifact missing factorProduct")

// finalTotal is the only place the estimate total is computed. Both
// CreateEstimate and ReplayEstimateTotalFromArtifact go through it.
func finalTotal(subtotalAfterRules, laborLineTotal, factorProduct, upsellInput, discountsInput float64) float64 {
	return money.Round2((subtotalAfterRules+laborLineTotal)*factorProduct + upsellInput - discountsInput)
}

// ReplayEstimateTotalFromArtifact reconstructs an estimate total from the
// artifact alone. It does no I/O.
func ReplayEstimateTotalFromArtifact(a models.PricingArtifact) (float64, error) {
	product, ok := a.ComputedIntermediates["factorProduct"]
	if !ok {
		return 0, ErrIncompleteArtifact
	}
	return finalTotal(
		a.SubtotalAfterRules,
		a.LaborLineTotal,
		product,
		a.ComputedIntermediates["upsellInput"],
		a.ComputedIntermediates["discountsInput"],
	), nil
}

// ExplainArtifact renders the ordered factor lines for an artifact. The last
// line is always the total formula.
func ExplainArtifact(a models.PricingArtifact) []string {
	ci := a.ComputedIntermediates
	lines := make([]string, 0, 8+len(a.RuleEvaluations))

	lines = append(lines, fmt.Sprintf("Base subtotal $%.2f from %d line items (%s path)",
		a.BaseSubtotal, int(ci["lineItemCount"]), a.Path))

	rm := a.RiskMultipliers
	lines = append(lines, fmt.Sprintf(
		"Risk factor %s (market %s x claim fraud %s x seasonal %s x parts availability %s) gives $%.2f",
		num(a.RiskFactor), num(rm.Market), num(rm.ClaimFraud), num(rm.Seasonal), num(rm.PartsAvailability),
		a.SubtotalAfterRisk))

	if len(a.RuleEvaluations) == 0 {
		lines = append(lines, "No tenant rules matched")
	}
	for _, ev := range a.RuleEvaluations {
		lines = append(lines, fmt.Sprintf("Rule %s: subtotal $%.2f to $%.2f, labor %sh to %sh",
			ruleLabel(ev), ev.SubtotalBefore, ev.SubtotalAfter, num(ev.LaborHoursBefore), num(ev.LaborHoursAfter)))
	}

	lines = append(lines, fmt.Sprintf("Labor %sh x $%.2f/h = $%.2f",
		num(a.LaborHoursAfterRules), a.LaborRate, a.LaborLineTotal))

	lines = append(lines, fmt.Sprintf(
		"Factor product %s (vehicle size %s x condition %s x complexity %s x labor location %s x market rate %s x risk reserve %s)",
		num(ci["factorProduct"]), num(ci["vehicleSizeFactor"]), num(ci["conditionFactor"]),
		num(ci["complexityAdjustmentFactor"]), num(ci["laborLocationFactor"]),
		num(ci["marketRateFactor"]), num(ci["riskReserveFactor"])))

	lines = append(lines, fmt.Sprintf("Upsell +$%.2f, discounts -$%.2f", ci["upsellInput"], ci["discountsInput"]))

	total, err := ReplayEstimateTotalFromArtifact(a)
	if err != nil {
		lines = append(lines, "Total unavailable: "+err.Error())
		return lines
	}
	lines = append(lines, fmt.Sprintf("Total = ($%.2f + $%.2f) x %s + $%.2f - $%.2f = $%.2f",
		a.SubtotalAfterRules, a.LaborLineTotal, num(ci["factorProduct"]),
		ci["upsellInput"], ci["discountsInput"], total))

	return lines
}

func ruleLabel(ev models.RuleEvaluation) string {
	if ev.Code != "" {
		return ev.Code
	}
	return ev.RuleID
}

// num prints a multiplier without trailing zeros.
func num(v float64) string {
	s := fmt.Sprintf("%.4f", v)
	s = strings.TrimRight(s, "0")
	return strings.TrimSuffix(s, ".")
}
