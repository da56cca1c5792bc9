package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconiq/quote-engine/internal/agent"
	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/inference"
	"github.com/reconiq/quote-engine/internal/inspection"
	"github.com/reconiq/quote-engine/internal/memstore"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/usage"
)

type harness struct {
	pipeline *Pipeline
	runs     *memstore.AgentRunStore
	rules    *memstore.RuleStore
	ledger   *usage.MemoryStore
	calls    *int32
}

func newHarness(t *testing.T, maxRequests int, pricer AIPricer, extra ...Option) *harness {
	t.Helper()

	runs := memstore.NewAgentRunStore()
	runner := agent.NewRunner(runs, memstore.NewAgentMemoryStore(), agent.NewToolRegistry())
	orch := inspection.NewOrchestrator(
		inference.NewEnricher(nil, nil),
		inference.NewVisionClient(nil, nil),
		estimate.NewService(),
	)

	now := func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	store := usage.NewMemoryStore(now)
	policies, err := usage.NewPolicies(usage.Policy{
		MaxRequestsPerWindow: maxRequests,
		Window:               time.Minute,
		CacheTTL:             time.Hour,
		TokenCostUSDPer1K:    0.01,
	})
	require.NoError(t, err)
	ctrl := usage.NewController(store, store, store, policies, usage.WithClock(now))

	rules := memstore.NewRuleStore()
	var opts []Option
	h := &harness{runs: runs, rules: rules, ledger: store, calls: new(int32)}
	if pricer != nil {
		counted := func(ctx context.Context, in estimate.Input) (*estimate.AIInference, int, error) {
			atomic.AddInt32(h.calls, 1)
			return pricer(ctx, in)
		}
		opts = append(opts, WithAIPricer(counted, "vision-pricing-1"))
	}

	p, err := New(runner, orch, ctrl, rules, append(opts, extra...)...)
	require.NoError(t, err)
	h.pipeline = p
	return h
}

func aiPricer(_ context.Context, _ estimate.Input) (*estimate.AIInference, int, error) {
	return &estimate.AIInference{
		LineItems: []models.EstimateLineItem{
			{Code: "paint_correction", Description: "Paint correction", Quantity: 1, UnitPrice: 180, Total: 180, Confidence: 0.8},
		},
		LaborHours:    4,
		Justification: "Moderate swirl damage on two panels",
		Confidence:    0.8,
	}, 120, nil
}

func request() Request {
	return Request{
		VIN:       "1HGCM82633A004352",
		PhotoURLs: []string{"a.jpg", "b.jpg", "c.jpg", "d.jpg", "e.jpg"},
		Notes:     "swirl marks on hood",
		Job:       inspection.Job{RequiredSkills: []string{"paint"}},
		Technicians: []inspection.Technician{
			{ID: "tech-1", Skills: []string{"paint"}, ActiveJobs: 0, Capacity: 2, DistanceKm: 5},
			{ID: "tech-2", Skills: []string{"interior"}, ActiveJobs: 0, Capacity: 2, DistanceKm: 1},
		},
	}
}

func TestPipeline_RunsAllAgentsOnFallbacks(t *testing.T) {
	h := newHarness(t, 10, nil)
	tenantID := uuid.New()

	result, err := h.pipeline.Run(context.Background(), tenantID, request())
	require.NoError(t, err)

	assert.Equal(t, inspection.StatusDelivered, result.Inspection.Status)
	require.NotNil(t, result.Estimate)
	assert.True(t, result.Estimate.UsedFallback)
	assert.LessOrEqual(t, len(result.Offers), 3)
	assert.NotEmpty(t, result.Offers)
	require.NotNil(t, result.Assignment)
	assert.Equal(t, "tech-1", result.Assignment.TechnicianID)

	for _, name := range []string{AgentInspectionTriage, AgentPricing, AgentUpsell, AgentDelivery} {
		runID, ok := result.Runs[name]
		require.True(t, ok, "missing run for %s", name)
		run, err := h.runs.GetByID(context.Background(), tenantID, runID)
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, models.AgentRunSucceeded, run.Status, name)
	}
	assert.Empty(t, h.ledger.Entries(tenantID), "No AI pricer means no metered calls")
}

func TestPipeline_AIPricingIsMeteredAndCached(t *testing.T) {
	h := newHarness(t, 10, aiPricer)
	tenantID := uuid.New()
	ctx := context.Background()

	first, err := h.pipeline.Run(ctx, tenantID, request())
	require.NoError(t, err)
	second, err := h.pipeline.Run(ctx, tenantID, request())
	require.NoError(t, err)

	assert.False(t, first.Estimate.UsedFallback)
	assert.False(t, second.Estimate.UsedFallback)
	assert.Equal(t, first.Estimate.Total, second.Estimate.Total)
	assert.Equal(t, int32(1), atomic.LoadInt32(h.calls), "Second run should be served from cache")

	entries := h.ledger.Entries(tenantID)
	require.Len(t, entries, 2)
	assert.Equal(t, OperationAIPricing, entries[0].Operation)
	assert.False(t, entries[0].CacheHit)
	assert.Equal(t, 120, entries[0].OutputTokens)
	assert.True(t, entries[1].CacheHit)
	assert.Equal(t, 0, entries[1].OutputTokens)
}

func TestPipeline_RateLimitedPricingFallsBack(t *testing.T) {
	h := newHarness(t, 1, aiPricer)
	tenantID := uuid.New()
	ctx := context.Background()

	_, err := h.pipeline.Run(ctx, tenantID, request())
	require.NoError(t, err)

	req := request()
	req.Notes = "different notes produce a different cache key"
	second, err := h.pipeline.Run(ctx, tenantID, req)
	require.NoError(t, err, "Rate limiting must not fail the pipeline")

	assert.True(t, second.Estimate.UsedFallback)
	entries := h.ledger.Entries(tenantID)
	require.Len(t, entries, 2)
	assert.Equal(t, true, entries[1].Metadata["rejected"])
}

func TestPipeline_AIPricingBreakerOpensAndFallsBack(t *testing.T) {
	failing := func(context.Context, estimate.Input) (*estimate.AIInference, int, error) {
		return nil, 0, errors.New("pricing model returned 503")
	}
	guard := inference.NewGuard(OperationAIPricing, inference.GuardConfig{
		Timeout:          time.Second,
		RetryBaseWait:    time.Millisecond,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Hour,
	})
	h := newHarness(t, 100, failing, WithAIGuard(guard))
	tenantID := uuid.New()
	infer := h.pipeline.MeteredInfer(tenantID, "corr-breaker")
	require.NotNil(t, infer)

	for i := 0; i < 5; i++ {
		_, err := infer(context.Background(), estimate.Input{VIN: "1HGCM82633A004352", Mileage: float64(i)})
		require.Error(t, err)
		assert.ErrorIs(t, err, inference.ErrUnavailable)
		if i >= 2 {
			assert.ErrorIs(t, err, inference.ErrCircuitOpen, "call %d", i)
		}
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(h.calls), "Open breaker must stop calling the pricer")
	assert.Equal(t, inference.StateOpen, guard.Breaker().State())

	req := request()
	req.Notes = "fresh cache key while the breaker is open"
	result, err := h.pipeline.Run(context.Background(), tenantID, req)
	require.NoError(t, err)
	assert.True(t, result.Estimate.UsedFallback)
	assert.Equal(t, int32(2), atomic.LoadInt32(h.calls))
}

func TestPipeline_AIPricingCallsCarryDeadline(t *testing.T) {
	var sawDeadline atomic.Bool
	blocking := func(ctx context.Context, _ estimate.Input) (*estimate.AIInference, int, error) {
		_, ok := ctx.Deadline()
		sawDeadline.Store(ok)
		<-ctx.Done()
		return nil, 0, ctx.Err()
	}
	guard := inference.NewGuard(OperationAIPricing, inference.GuardConfig{Timeout: 20 * time.Millisecond})
	h := newHarness(t, 10, blocking, WithAIGuard(guard))

	start := time.Now()
	result, err := h.pipeline.Run(context.Background(), uuid.New(), request())
	require.NoError(t, err)

	assert.True(t, sawDeadline.Load())
	assert.True(t, result.Estimate.UsedFallback)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestNew_DefaultGuardForAIPricer(t *testing.T) {
	h := newHarness(t, 10, aiPricer)
	require.NotNil(t, h.pipeline.guard)
	assert.Equal(t, inference.StateClosed, h.pipeline.guard.Breaker().State())

	assert.Nil(t, newHarness(t, 10, nil).pipeline.guard)
}

func TestPipeline_TenantRulesApplied(t *testing.T) {
	h := newHarness(t, 10, nil)
	tenantID := uuid.New()
	ctx := context.Background()

	baseline, err := h.pipeline.Run(ctx, tenantID, request())
	require.NoError(t, err)

	_, err = h.rules.Upsert(ctx, []models.PricingRule{{
		TenantID: tenantID, Code: "shop_fee", Priority: 1, IsActive: true,
		Action: &models.RuleAction{Type: models.ActionAddCents, Value: 2500},
	}})
	require.NoError(t, err)

	withFee, err := h.pipeline.Run(ctx, tenantID, request())
	require.NoError(t, err)

	require.Len(t, withFee.Estimate.Artifact.RuleEvaluations, 1)
	assert.Greater(t, withFee.Estimate.Total, baseline.Estimate.Total)
}

func TestPipeline_FailureMarksInspectionFailed(t *testing.T) {
	h := newHarness(t, 10, nil)
	tenantID := uuid.New()

	req := request()
	req.Technicians = []inspection.Technician{{ID: "busy", Capacity: 1, ActiveJobs: 1}}

	result, err := h.pipeline.Run(context.Background(), tenantID, req)

	require.Error(t, err)
	assert.True(t, errors.Is(err, inspection.ErrNoTechnician))
	require.NotNil(t, result)
	assert.Equal(t, inspection.StatusFailed, result.Inspection.Status)
	_, delivered := result.Runs[AgentDelivery]
	assert.False(t, delivered)
}

func TestNew_RejectsDuplicateTools(t *testing.T) {
	reg := agent.NewToolRegistry()
	require.NoError(t, reg.Register(ToolReplayArtifact, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}))
	runner := agent.NewRunner(memstore.NewAgentRunStore(), memstore.NewAgentMemoryStore(), reg)

	_, err := New(runner, nil, nil, nil)

	assert.ErrorIs(t, err, agent.ErrDuplicateTool)
}

func TestSelectOffers(t *testing.T) {
	recs := []models.UpsellRecommendation{
		{Category: "a", Probability: 0.4},
		{Category: "b", Probability: 0.9},
		{Category: "c", Probability: 0.6},
		{Category: "d", Probability: 0.55},
		{Category: "e", Probability: 0.5},
	}

	offers := SelectOffers(recs)
	require.Len(t, offers, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{offers[0].Category, offers[1].Category, offers[2].Category})

	low := SelectOffers([]models.UpsellRecommendation{{Category: "x", Probability: 0.1}, {Category: "y", Probability: 0.3}})
	require.Len(t, low, 1)
	assert.Equal(t, "y", low[0].Category)

	assert.Empty(t, SelectOffers(nil))
}

func TestTools_RecommendUpsells(t *testing.T) {
	reg := agent.NewToolRegistry()
	require.NoError(t, RegisterTools(reg))

	raw, err := reg.Invoke(context.Background(), ToolRecommendUpsells, json.RawMessage(`{"vehicle_embedding":[0.67,0.1],"price_anchor":500}`))
	require.NoError(t, err)

	var recs []models.UpsellRecommendation
	require.NoError(t, json.Unmarshal(raw, &recs))
	assert.Len(t, recs, 7)

	_, err = reg.Invoke(context.Background(), ToolReplayArtifact, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, estimate.ErrIncompleteArtifact)
}

func TestPipeline_RunMeteredRejectsOverLimit(t *testing.T) {
	h := newHarness(t, 1, nil)
	tenantID := uuid.New()
	ctx := context.Background()

	result, err := h.pipeline.RunMetered(ctx, tenantID, request())
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, inspection.StatusDelivered, result.Inspection.Status)

	_, err = h.pipeline.RunMetered(ctx, tenantID, request())
	var rlErr *usage.RateLimitError
	require.ErrorAs(t, err, &rlErr)
	assert.Equal(t, OperationInspection, rlErr.Operation)
	assert.Equal(t, int64(2), rlErr.CurrentCount)

	entries := h.ledger.Entries(tenantID)
	require.Len(t, entries, 2)
	assert.Equal(t, OperationInspection, entries[0].Operation)

	other, err := h.pipeline.RunMetered(ctx, uuid.New(), request())
	require.NoError(t, err, "Limits are per tenant")
	assert.NotNil(t, other)
}

func TestPipeline_MeteredInferNilWithoutPricer(t *testing.T) {
	h := newHarness(t, 10, nil)
	assert.Nil(t, h.pipeline.MeteredInfer(uuid.New(), ""))

	withAI := newHarness(t, 10, aiPricer)
	assert.NotNil(t, withAI.pipeline.MeteredInfer(uuid.New(), ""))
}
