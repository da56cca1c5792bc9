package models

// LineItemSource identifies what produced an estimate line.
type LineItemSource string

const (
	SourceRule       LineItemSource = "rule"
	SourceHistorical LineItemSource = "historical"
	SourceAI         LineItemSource = "ai"
)

// Pricing paths recorded on an artifact.
const (
	PathFallback = "fallback"
	PathAI       = "ai"
)

// EstimateLineItem is a line on a damage-based estimate, in dollars.
type EstimateLineItem struct {
	Code        string         `json:"code"`
	Description string         `json:"description"`
	Quantity    float64        `json:"quantity"`
	UnitPrice   float64        `json:"unit_price"`
	Total       float64        `json:"total"`
	Confidence  float64        `json:"confidence"`
	Source      LineItemSource `json:"source"`
}

// RiskMultipliers are the four named risk factors applied to the base subtotal.
type RiskMultipliers struct {
	Market            float64 `json:"market"`
	ClaimFraud        float64 `json:"claim_fraud"`
	Seasonal          float64 `json:"seasonal"`
	PartsAvailability float64 `json:"parts_availability"`
}

// Product returns the combined risk factor.
func (r RiskMultipliers) Product() float64 {
	return r.Market * r.ClaimFraud * r.Seasonal * r.PartsAvailability
}

// RuleEvaluation is the per-rule before/after record kept on an artifact.
type RuleEvaluation struct {
	RuleID           string  `json:"rule_id"`
	Code             string  `json:"code"`
	SubtotalBefore   float64 `json:"subtotal_before"`
	SubtotalAfter    float64 `json:"subtotal_after"`
	LaborHoursBefore float64 `json:"labor_hours_before"`
	LaborHoursAfter  float64 `json:"labor_hours_after"`
}

// PricingArtifact is the self-sufficient record of one estimate computation.
// The estimate total is a pure function of this struct.
type PricingArtifact struct {
	QuoteVersion          int                `json:"quote_version"`
	CorrelationID         string             `json:"correlation_id"`
	Path                  string             `json:"path"`
	BaseSubtotal          float64            `json:"base_subtotal"`
	RiskMultipliers       RiskMultipliers    `json:"risk_multipliers"`
	RiskFactor            float64            `json:"risk_factor"`
	SubtotalAfterRisk     float64            `json:"subtotal_after_risk"`
	SubtotalAfterRules    float64            `json:"subtotal_after_rules"`
	LaborHoursInput       float64            `json:"labor_hours_input"`
	LaborHoursAfterRules  float64            `json:"labor_hours_after_rules"`
	LaborRate             float64            `json:"labor_rate"`
	LaborLineTotal        float64            `json:"labor_line_total"`
	MatchedRuleIDs        []string           `json:"matched_rule_ids"`
	RuleEvaluations       []RuleEvaluation   `json:"rule_evaluations"`
	ComputedIntermediates map[string]float64 `json:"computed_intermediates"`
}

// UpsellRecommendation is one category's recommended add-on.
type UpsellRecommendation struct {
	Category     string  `json:"category"`
	Label        string  `json:"label"`
	Probability  float64 `json:"probability"`
	Price        float64 `json:"price"`
	Observations int     `json:"observations"`
	Basis        string  `json:"basis"`
}

// Estimate is the immutable result of one pricing request.
type Estimate struct {
	EstimateID         string                 `json:"estimate_id"`
	VIN                string                 `json:"vin"`
	LineItems          []EstimateLineItem     `json:"line_items"`
	LaborHours         float64                `json:"labor_hours"`
	AIJustification    string                 `json:"ai_justification"`
	Confidence         float64                `json:"confidence"`
	RecommendedUpsells []UpsellRecommendation `json:"recommended_upsells"`
	FactorExplanations []string               `json:"factor_explanations"`
	Total              float64                `json:"total"`
	UsedFallback       bool                   `json:"used_fallback"`
	Artifact           PricingArtifact        `json:"artifact"`
}
