package rules

import (
	"sort"
	"strings"

	"github.com/reconiq/quote-engine/internal/models"
)

// Subject is what a rule's conditions are checked against.
// SubtotalCents is the running subtotal at the point the rule is reached.
type Subject struct {
	ServiceCodes    []string
	SubtotalCents   float64
	DifficultyScore *float64
	VehicleClass    string
}

// Rule is the single rule abstraction shared by the service-quote surface and
// the damage-estimate surface. Apply receives the running subtotal in minor
// units and the running labor hours.
type Rule interface {
	RuleID() string
	RuleCode() string
	Matches(s Subject) bool
	Apply(subtotalCents, laborHours float64) (float64, float64)
}

// RecordRule adapts a declarative PricingRule record to Rule.
type RecordRule struct {
	Record models.PricingRule
}

func (r RecordRule) RuleID() string   { return r.Record.ID.String() }
func (r RecordRule) RuleCode() string { return r.Record.Code }

// Matches reports whether every specified condition holds. A rule without
// conditions always matches.
func (r RecordRule) Matches(s Subject) bool {
	c := r.Record.Conditions
	if c == nil {
		return true
	}

	if len(c.ServiceCodes) > 0 && !anyIntersect(c.ServiceCodes, s.ServiceCodes) {
		return false
	}
	if c.MinSubtotalCents != nil && s.SubtotalCents < float64(*c.MinSubtotalCents) {
		return false
	}
	if c.MaxSubtotalCents != nil && s.SubtotalCents > float64(*c.MaxSubtotalCents) {
		return false
	}

	// Difficulty bounds fail closed when no score was supplied.
	if c.MinDifficultyScore != nil || c.MaxDifficultyScore != nil {
		if s.DifficultyScore == nil {
			return false
		}
		if c.MinDifficultyScore != nil && *s.DifficultyScore < *c.MinDifficultyScore {
			return false
		}
		if c.MaxDifficultyScore != nil && *s.DifficultyScore > *c.MaxDifficultyScore {
			return false
		}
	}

	if len(c.VehicleClasses) > 0 {
		if s.VehicleClass == "" || !containsFold(c.VehicleClasses, s.VehicleClass) {
			return false
		}
	}

	return true
}

// Apply runs the record's action. A matched rule without an action leaves
// both values unchanged.
func (r RecordRule) Apply(subtotalCents, laborHours float64) (float64, float64) {
	a := r.Record.Action
	if a == nil {
		return subtotalCents, laborHours
	}

	switch a.Type {
	case models.ActionMultiplySubtotal:
		subtotalCents *= a.Value
	case models.ActionAddCents:
		subtotalCents += a.Value
	case models.ActionSubtractCents:
		subtotalCents -= a.Value
	}

	if a.LaborMultiplier != nil {
		laborHours *= *a.LaborMultiplier
	}
	return subtotalCents, laborHours
}

// FuncRule is the closure-based rule form kept for callers that need logic the
// declarative model cannot express. Nil callbacks are identity.
type FuncRule struct {
	ID          string
	Code        string
	AppliesTo   func(s Subject) bool
	AdjustPrice func(subtotalCents float64) float64
	AdjustLabor func(laborHours float64) float64
}

func (f FuncRule) RuleID() string   { return f.ID }
func (f FuncRule) RuleCode() string { return f.Code }

func (f FuncRule) Matches(s Subject) bool {
	if f.AppliesTo == nil {
		return true
	}
	return f.AppliesTo(s)
}

func (f FuncRule) Apply(subtotalCents, laborHours float64) (float64, float64) {
	if f.AdjustPrice != nil {
		subtotalCents = f.AdjustPrice(subtotalCents)
	}
	if f.AdjustLabor != nil {
		laborHours = f.AdjustLabor(laborHours)
	}
	return subtotalCents, laborHours
}

// Ordered returns the active records as rules sorted ascending by priority.
// Ties keep their encounter order.
func Ordered(records []models.PricingRule) []Rule {
	active := make([]models.PricingRule, 0, len(records))
	for _, r := range records {
		if r.IsActive {
			active = append(active, r)
		}
	}

	sort.SliceStable(active, func(i, j int) bool {
		return active[i].Priority < active[j].Priority
	})

	out := make([]Rule, 0, len(active))
	for _, r := range active {
		out = append(out, RecordRule{Record: r})
	}
	return out
}

func anyIntersect(want, have []string) bool {
	for _, w := range want {
		if containsFold(have, w) {
			return true
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(strings.TrimSpace(item), strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
