package estimate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/rules"
)

func f64(v float64) *float64 { return &v }

func moderateInput() Input {
	return Input{
		VIN:             "1HGCM82633A004352",
		DamageFindings:  []DamageFinding{{Severity: "moderate"}},
		LaborPrediction: LaborPrediction{BaseHours: 5},
	}
}

func TestCreateEstimate_FallbackScenario(t *testing.T) {
	svc := NewService()

	est, err := svc.CreateEstimate(context.Background(), moderateInput(), nil)

	require.NoError(t, err)
	assert.True(t, est.UsedFallback, "No AI supplied must use the fallback path")
	assert.Equal(t, models.PathFallback, est.Artifact.Path)

	require.Len(t, est.LineItems, 2, "One damage line plus labor")
	assert.Equal(t, 108.0, est.LineItems[0].Total, "90 x 1.6 x 0.75")
	assert.Equal(t, "labor", est.LineItems[1].Code)
	assert.Equal(t, 425.0, est.LineItems[1].Total, "5h x $85")

	assert.Equal(t, 533.0, est.Total)
	assert.Equal(t, 1.0, est.Artifact.ComputedIntermediates["factorProduct"])

	replayed, err := ReplayEstimateTotalFromArtifact(est.Artifact)
	require.NoError(t, err)
	assert.Equal(t, 533.0, replayed)
}

func TestCreateEstimate_ReplayLaw(t *testing.T) {
	svc := NewService()

	surcharge := models.PricingRule{
		ID: uuid.New(), Code: "heavy", Priority: 1, IsActive: true,
		Action: &models.RuleAction{Type: models.ActionMultiplySubtotal, Value: 1.137, LaborMultiplier: f64(1.25)},
	}
	fee := models.PricingRule{
		ID: uuid.New(), Code: "fee", Priority: 2, IsActive: true,
		Action: &models.RuleAction{Type: models.ActionAddCents, Value: 1999},
	}
	legacy := rules.FuncRule{ID: "legacy", Code: "legacy",
		AdjustPrice: func(c float64) float64 { return c * 0.97 }}

	inputs := []Input{
		moderateInput(),
		{
			VIN: "2T1BURHE5JC123456",
			DamageFindings: []DamageFinding{
				{Severity: "severe"}, {Severity: "minor"}, {Severity: "moderate"},
			},
			HistoricalMatches: []HistoricalMatch{{TotalPrice: 1240}, {TotalPrice: 980.5}},
			LaborPrediction:   LaborPrediction{BaseHours: 3.3},
			RiskMultipliers:   RiskInput{Market: f64(1.07), ClaimFraud: f64(1.013), Seasonal: f64(0.96), PartsAvailability: f64(1.11)},
			Factors:           FactorOverrides{MarketRate: f64(1.031), RiskReserve: f64(1.019)},
			UpsellInput:       49.99,
			DiscountsInput:    12.35,
			TenantRules:       append(rules.Ordered([]models.PricingRule{fee, surcharge}), legacy),
		},
		{
			VIN:             "3VWFE21C04M000001",
			LaborPrediction: LaborPrediction{BaseHours: 0.7},
			DiscountsInput:  1000,
		},
	}

	for i, in := range inputs {
		est, err := svc.CreateEstimate(context.Background(), in, nil)
		require.NoError(t, err, "input %d", i)

		replayed, err := ReplayEstimateTotalFromArtifact(est.Artifact)
		require.NoError(t, err)
		assert.Equal(t, est.Total, replayed, "input %d: replay must match exactly", i)

		// Artifact survives a JSON round trip unchanged for replay purposes
		raw, err := json.Marshal(est.Artifact)
		require.NoError(t, err)
		var decoded models.PricingArtifact
		require.NoError(t, json.Unmarshal(raw, &decoded))
		fromJSON, err := ReplayEstimateTotalFromArtifact(decoded)
		require.NoError(t, err)
		assert.Equal(t, est.Total, fromJSON, "input %d: replay after decode", i)
	}
}

func TestCreateEstimate_RulesFoldInOrder(t *testing.T) {
	svc := NewService()
	in := moderateInput()
	in.TenantRules = []rules.Rule{
		rules.FuncRule{ID: "a", Code: "a", AdjustPrice: func(c float64) float64 { return c + 1000 }},
		rules.FuncRule{ID: "b", Code: "b", AdjustPrice: func(c float64) float64 { return c * 2 },
			AdjustLabor: func(h float64) float64 { return h + 1 }},
	}

	est, err := svc.CreateEstimate(context.Background(), in, nil)
	require.NoError(t, err)

	require.Len(t, est.Artifact.RuleEvaluations, 2)
	assert.Equal(t, []string{"a", "b"}, est.Artifact.MatchedRuleIDs)
	assert.Equal(t, 118.0, est.Artifact.RuleEvaluations[0].SubtotalAfter)
	assert.Equal(t, 236.0, est.Artifact.SubtotalAfterRules)
	assert.Equal(t, 6.0, est.Artifact.LaborHoursAfterRules)
	assert.Equal(t, 510.0, est.Artifact.LaborLineTotal)
	assert.Equal(t, 746.0, est.Total)
}

func TestCreateEstimate_AIFailureFallsBack(t *testing.T) {
	svc := NewService()
	in := moderateInput()
	in.AIAvailable = true

	calls := 0
	infer := func(ctx context.Context, in Input) (*AIInference, error) {
		calls++
		return nil, errors.New("vision timeout")
	}

	est, err := svc.CreateEstimate(context.Background(), in, infer)

	require.NoError(t, err, "AI failures must not surface")
	assert.Equal(t, 1, calls)
	assert.True(t, est.UsedFallback)
	assert.Equal(t, 533.0, est.Total)
}

func TestCreateEstimate_AIPathMergesAndClamps(t *testing.T) {
	svc := NewService()
	in := moderateInput()
	in.AIAvailable = true

	infer := func(ctx context.Context, in Input) (*AIInference, error) {
		return &AIInference{
			LineItems: []models.EstimateLineItem{
				{Code: "bumper", Description: "Bumper respray", Quantity: 1, UnitPrice: 240, Confidence: 1.4},
				{Code: "labor", Quantity: 9, UnitPrice: 85},
			},
			LaborHours:    2,
			Justification: "Scuffed rear bumper",
			Confidence:    1.234,
		}, nil
	}

	est, err := svc.CreateEstimate(context.Background(), in, infer)
	require.NoError(t, err)

	assert.False(t, est.UsedFallback)
	assert.Equal(t, models.PathAI, est.Artifact.Path)
	assert.Equal(t, 1.0, est.Confidence, "Confidence clamps to 1")
	assert.Equal(t, "Scuffed rear bumper", est.AIJustification)
	require.Len(t, est.LineItems, 2, "AI labor line is replaced by the computed labor line")
	assert.Equal(t, models.SourceAI, est.LineItems[0].Source)
	assert.Equal(t, 1.0, est.LineItems[0].Confidence)
	assert.Equal(t, 240.0+170.0, est.Total)
}

func TestCreateEstimate_AlwaysExplainsAndRecommends(t *testing.T) {
	svc := NewService()
	est, err := svc.CreateEstimate(context.Background(), moderateInput(), nil)
	require.NoError(t, err)

	require.NotEmpty(t, est.FactorExplanations)
	assert.Contains(t, est.FactorExplanations[len(est.FactorExplanations)-1], "Total =",
		"Explanations end with the total formula")
	assert.Len(t, est.RecommendedUpsells, 7)
}

func TestCreateEstimate_Validation(t *testing.T) {
	svc := NewService()

	_, err := svc.CreateEstimate(context.Background(), Input{}, nil)
	assert.ErrorIs(t, err, ErrInvalidInput, "VIN is required")

	in := moderateInput()
	in.DamageFindings = []DamageFinding{{Severity: "catastrophic"}}
	_, err = svc.CreateEstimate(context.Background(), in, nil)
	assert.ErrorIs(t, err, ErrInvalidInput, "Unknown severity")
}

func TestReplay_MissingFactorProduct(t *testing.T) {
	_, err := ReplayEstimateTotalFromArtifact(models.PricingArtifact{})
	assert.ErrorIs(t, err, ErrIncompleteArtifact)
}

func TestHistoricalInfluenceAboveFloor(t *testing.T) {
	in := moderateInput()
	in.HistoricalMatches = []HistoricalMatch{{TotalPrice: 1500}, {TotalPrice: 500}}

	est, err := NewService().CreateEstimate(context.Background(), in, nil)
	require.NoError(t, err)

	assert.Equal(t, 144.0, est.LineItems[0].Total, "90 x 1.6 x 1.0")
	assert.Equal(t, models.SourceHistorical, est.LineItems[0].Source)
	assert.InDelta(t, 0.65, est.Confidence, 1e-9)
}
