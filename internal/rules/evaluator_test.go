package rules

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconiq/quote-engine/internal/models"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func multiplyRule(code string, priority int, factor float64) models.PricingRule {
	return models.PricingRule{
		ID:       uuid.New(),
		Code:     code,
		Name:     code,
		Priority: priority,
		IsActive: true,
		Action:   &models.RuleAction{Type: models.ActionMultiplySubtotal, Value: factor},
	}
}

func addRule(code string, priority int, cents float64) models.PricingRule {
	return models.PricingRule{
		ID:       uuid.New(),
		Code:     code,
		Name:     code,
		Priority: priority,
		IsActive: true,
		Action:   &models.RuleAction{Type: models.ActionAddCents, Value: cents},
	}
}

func washContext(t *testing.T, records []models.PricingRule, signals RequestSignals) *Context {
	t.Helper()
	ctx, err := BuildContext(uuid.New(), PricingInput{
		VehicleClass: "SUV",
		Services:     []ServiceLine{{Code: "wash", BasePriceCents: 5000, Quantity: 1}},
		Signals:      signals,
	}, records)
	require.NoError(t, err, "Should build a valid context")
	return ctx
}

func TestComputeQuotePricing_WashScenario(t *testing.T) {
	// Demand multiplier 1.2 then a single x1.1 rule
	ctx := washContext(t,
		[]models.PricingRule{multiplyRule("peak", 1, 1.1)},
		RequestSignals{DemandMultiplier: f64(1.2)},
	)

	result := ComputeQuotePricing(ctx)

	assert.Equal(t, int64(5000), result.BaseSubtotalCents)
	assert.Equal(t, int64(6000), result.PreRuleSubtotalCents)
	assert.Equal(t, int64(6600), result.SubtotalCents)
	assert.Equal(t, int64(6600), result.TotalCents)
	require.Len(t, result.AppliedRules, 1)
	assert.Equal(t, "peak", result.AppliedRules[0].Code)
	assert.Equal(t, int64(6000), result.AppliedRules[0].SubtotalBeforeCents)
	assert.Equal(t, int64(6600), result.AppliedRules[0].SubtotalAfterCents)
}

func TestComputeQuotePricing_SequentialFoldUsesRunningSubtotal(t *testing.T) {
	// Second rule only matches once the first has pushed the subtotal over 5500
	gated := addRule("big-job-fee", 2, 250)
	gated.Conditions = &models.RuleConditions{MinSubtotalCents: i64(5500)}

	ctx := washContext(t, []models.PricingRule{
		gated,
		addRule("surcharge", 1, 1000),
	}, RequestSignals{})

	result := ComputeQuotePricing(ctx)

	require.Len(t, result.AppliedRules, 2)
	assert.Equal(t, "surcharge", result.AppliedRules[0].Code, "Lower priority evaluates first")
	assert.Equal(t, "big-job-fee", result.AppliedRules[1].Code)
	assert.Equal(t, int64(6250), result.TotalCents)
}

func TestComputeQuotePricing_StableOrderingForEqualPriority(t *testing.T) {
	records := []models.PricingRule{
		addRule("first", 5, 100),
		multiplyRule("second", 5, 2),
		addRule("third", 5, 1),
	}
	ctx := washContext(t, records, RequestSignals{})

	a := ComputeQuotePricing(ctx)
	b := ComputeQuotePricing(ctx)

	assert.Equal(t, a, b, "Identical contexts must produce identical output")
	require.Len(t, a.AppliedRules, 3)
	assert.Equal(t, "first", a.AppliedRules[0].Code)
	assert.Equal(t, "second", a.AppliedRules[1].Code)
	assert.Equal(t, "third", a.AppliedRules[2].Code)
	assert.Equal(t, int64((5000+100)*2+1), a.TotalCents)
}

func TestComputeQuotePricing_InactiveRulesSkipped(t *testing.T) {
	inactive := multiplyRule("off", 1, 10)
	inactive.IsActive = false

	result := ComputeQuotePricing(washContext(t, []models.PricingRule{inactive}, RequestSignals{}))

	assert.Empty(t, result.AppliedRules)
	assert.Equal(t, int64(5000), result.TotalCents)
}

func TestComputeQuotePricing_TotalNeverNegative(t *testing.T) {
	for _, discount := range []int64{0, 4999, 5000, 5001, 1_000_000_000} {
		ctx := washContext(t, nil, RequestSignals{DiscountCents: discount})
		result := ComputeQuotePricing(ctx)
		assert.GreaterOrEqual(t, result.TotalCents, int64(0), "discount %d", discount)
	}

	// Subtract rule drives the subtotal negative, total still clamps
	sub := models.PricingRule{
		ID: uuid.New(), Code: "writeoff", Priority: 1, IsActive: true,
		Action: &models.RuleAction{Type: models.ActionSubtractCents, Value: 9000},
	}
	result := ComputeQuotePricing(washContext(t, []models.PricingRule{sub}, RequestSignals{}))
	assert.Equal(t, int64(-4000), result.SubtotalCents)
	assert.Equal(t, int64(0), result.TotalCents)
}

func TestComputeQuotePricing_AddOnsAndDiscount(t *testing.T) {
	ctx := washContext(t, nil, RequestSignals{AddOnsCents: 1500, DiscountCents: 500})
	result := ComputeQuotePricing(ctx)
	assert.Equal(t, int64(6000), result.TotalCents)
}

// --- Conditions ---

func TestRecordRule_DifficultyFailsClosedWithoutScore(t *testing.T) {
	rule := RecordRule{Record: models.PricingRule{
		Conditions: &models.RuleConditions{MinDifficultyScore: f64(0.5)},
	}}

	assert.False(t, rule.Matches(Subject{}), "Missing score must not match a difficulty bound")
	assert.True(t, rule.Matches(Subject{DifficultyScore: f64(0.7)}))
	assert.False(t, rule.Matches(Subject{DifficultyScore: f64(0.2)}))
}

func TestRecordRule_ServiceCodesAnyOf(t *testing.T) {
	rule := RecordRule{Record: models.PricingRule{
		Conditions: &models.RuleConditions{ServiceCodes: []string{"ceramic", "polish"}},
	}}

	assert.True(t, rule.Matches(Subject{ServiceCodes: []string{"wash", "polish"}}))
	assert.False(t, rule.Matches(Subject{ServiceCodes: []string{"wash"}}))
}

func TestRecordRule_VehicleClassAllowlist(t *testing.T) {
	rule := RecordRule{Record: models.PricingRule{
		Conditions: &models.RuleConditions{VehicleClasses: []string{"suv", "truck"}},
	}}

	assert.True(t, rule.Matches(Subject{VehicleClass: "SUV"}))
	assert.False(t, rule.Matches(Subject{VehicleClass: "sedan"}))
	assert.False(t, rule.Matches(Subject{}))
}

func TestRecordRule_SubtotalBoundsInclusive(t *testing.T) {
	rule := RecordRule{Record: models.PricingRule{
		Conditions: &models.RuleConditions{MinSubtotalCents: i64(100), MaxSubtotalCents: i64(200)},
	}}

	assert.True(t, rule.Matches(Subject{SubtotalCents: 100}))
	assert.True(t, rule.Matches(Subject{SubtotalCents: 200}))
	assert.False(t, rule.Matches(Subject{SubtotalCents: 99}))
	assert.False(t, rule.Matches(Subject{SubtotalCents: 201}))
}

func TestRecordRule_NoActionIsIdentity(t *testing.T) {
	rule := RecordRule{Record: models.PricingRule{}}
	sub, labor := rule.Apply(1234, 3)
	assert.Equal(t, 1234.0, sub)
	assert.Equal(t, 3.0, labor)
}

func TestFuncRule_NilCallbacksAreIdentity(t *testing.T) {
	rule := FuncRule{ID: "legacy"}
	assert.True(t, rule.Matches(Subject{}))

	sub, labor := rule.Apply(500, 2)
	assert.Equal(t, 500.0, sub)
	assert.Equal(t, 2.0, labor)

	rule.AdjustLabor = func(h float64) float64 { return h * 1.5 }
	_, labor = rule.Apply(500, 2)
	assert.Equal(t, 3.0, labor)
}

// --- Context ---

func TestBuildContext_Validation(t *testing.T) {
	tenant := uuid.New()

	_, err := BuildContext(tenant, PricingInput{}, nil)
	assert.ErrorIs(t, err, ErrInvalidContext, "No services")

	_, err = BuildContext(tenant, PricingInput{Services: []ServiceLine{{Code: "wash", Quantity: 0}}}, nil)
	assert.ErrorIs(t, err, ErrInvalidContext, "Zero quantity")

	_, err = BuildContext(uuid.Nil, PricingInput{Services: []ServiceLine{{Code: "wash", Quantity: 1}}}, nil)
	assert.ErrorIs(t, err, ErrInvalidContext, "Missing tenant")
}

func TestBuildContext_DropsOtherTenantsRules(t *testing.T) {
	tenant := uuid.New()
	own := multiplyRule("own", 1, 1.1)
	own.TenantID = tenant
	foreign := multiplyRule("foreign", 1, 2)
	foreign.TenantID = uuid.New()

	ctx, err := BuildContext(tenant, PricingInput{
		Services: []ServiceLine{{Code: "wash", BasePriceCents: 100, Quantity: 1}},
	}, []models.PricingRule{own, foreign})

	require.NoError(t, err)
	require.Len(t, ctx.Rules, 1)
	assert.Equal(t, "own", ctx.Rules[0].Code)
}
