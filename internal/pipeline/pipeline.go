// Package pipeline composes inspection triage, pricing, upsell and delivery
// as agent runs over one inspection.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/reconiq/quote-engine/internal/agent"
	"github.com/reconiq/quote-engine/internal/estimate"
	"github.com/reconiq/quote-engine/internal/inference"
	"github.com/reconiq/quote-engine/internal/inspection"
	"github.com/reconiq/quote-engine/internal/models"
	"github.com/reconiq/quote-engine/internal/rules"
	"github.com/reconiq/quote-engine/internal/upsell"
	"github.com/reconiq/quote-engine/internal/usage"
)

// Agent names, in pipeline order.
const (
	AgentInspectionTriage = "inspection_triage"
	AgentPricing          = "pricing"
	AgentUpsell           = "upsell"
	AgentDelivery         = "delivery"
)

// Metered operation names.
const (
	OperationAIPricing  = "ai_pricing"
	OperationInspection = "inspection_pipeline"
)

const (
	offerProbabilityFloor = 0.5
	maxOffers             = 3
)

// ErrReplayMismatch is returned when delivery cannot reproduce the estimate total.
var ErrReplayMismatch = errors.New("artifact replay does not match estimate total")

// RuleSource lists a tenant's pricing rules.
type RuleSource interface {
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]models.PricingRule, error)
}

// AIPricer is the raw AI pricing call. It returns the inference and the number
// of output tokens it consumed.
type AIPricer func(ctx context.Context, in estimate.Input) (*estimate.AIInference, int, error)

// Request starts a pipeline run.
type Request struct {
	VIN           string                  `json:"vin"`
	PhotoURLs     []string                `json:"photo_urls"`
	Notes         string                  `json:"notes"`
	Mileage       float64                 `json:"mileage,omitempty"`
	CorrelationID string                  `json:"correlation_id,omitempty"`
	Pricing       inspection.PriceOptions `json:"pricing"`
	Job           inspection.Job          `json:"job"`
	Technicians   []inspection.Technician `json:"technicians,omitempty"`
}

// Result is what a pipeline run produced. On failure it holds whatever was
// completed before the failing step.
type Result struct {
	Inspection *inspection.Inspection        `json:"inspection"`
	Estimate   *models.Estimate              `json:"estimate,omitempty"`
	Offers     []models.UpsellRecommendation `json:"offers,omitempty"`
	Assignment *inspection.Assignment        `json:"assignment,omitempty"`
	Runs       map[string]uuid.UUID          `json:"runs"`
}

// Pipeline runs the four agents.
type Pipeline struct {
	runner       *agent.Runner
	orchestrator *inspection.Orchestrator
	usage        *usage.Controller
	rules        RuleSource
	pricer       AIPricer
	model        string
	guard        *inference.Guard
	memoryLimit  int
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAIPricer enables the AI pricing path, metered through the usage controller.
func WithAIPricer(pricer AIPricer, model string) Option {
	return func(p *Pipeline) {
		p.pricer = pricer
		p.model = model
	}
}

// WithAIGuard sets the timeout, retry and breaker policy for AI pricing
// calls. A pipeline with a pricer and no guard gets a default one.
func WithAIGuard(g *inference.Guard) Option {
	return func(p *Pipeline) { p.guard = g }
}

// WithMemoryLimit sets how many memory entries each agent loads.
func WithMemoryLimit(n int) Option {
	return func(p *Pipeline) { p.memoryLimit = n }
}

// New creates a pipeline and registers its tools on the runner's registry.
func New(runner *agent.Runner, orchestrator *inspection.Orchestrator, ctrl *usage.Controller, ruleSource RuleSource, opts ...Option) (*Pipeline, error) {
	if err := RegisterTools(runner.Tools()); err != nil {
		return nil, fmt.Errorf("failed to register pipeline tools: %w", err)
	}
	p := &Pipeline{
		runner:       runner,
		orchestrator: orchestrator,
		usage:        ctrl,
		rules:        ruleSource,
		now:          time.Now,
		logger:       slog.Default().With(slog.String("service", "inspection-pipeline")),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.pricer != nil && p.guard == nil {
		p.guard = inference.NewGuard(OperationAIPricing, inference.GuardConfig{})
	}
	return p, nil
}

// Run executes triage, pricing, upsell and delivery in order. Any agent
// failure marks the inspection failed and stops the pipeline.
func (p *Pipeline) Run(ctx context.Context, tenantID uuid.UUID, req Request) (*Result, error) {
	insp, err := inspection.New(tenantID, req.VIN, req.PhotoURLs, req.Notes, p.now())
	if err != nil {
		return nil, err
	}
	insp.Mileage = req.Mileage

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	req.Pricing.CorrelationID = correlationID

	logger := p.logger.With(
		slog.String("tenant_id", tenantID.String()),
		slog.String("inspection_id", insp.ID.String()),
		slog.String("correlation_id", correlationID),
	)
	logger.Info("pipeline started", slog.String("vin", insp.VIN))

	result := &Result{Inspection: insp, Runs: make(map[string]uuid.UUID)}
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode pipeline request: %w", err)
	}

	steps := []agent.Definition{
		p.triageAgent(insp),
		p.pricingAgent(tenantID, insp, req, result),
		p.upsellAgent(insp, req, result),
		p.deliveryAgent(insp, req, result),
	}

	for _, def := range steps {
		stepLogger := logger.With(slog.String("step", def.Name))
		stepLogger.Info("running agent")

		res, err := p.runner.Run(ctx, tenantID, def, input)
		if err != nil {
			stepLogger.Error("agent failed", slog.String("error", err.Error()))
			p.orchestrator.Fail(insp, err)
			return result, fmt.Errorf("%s: %w", def.Name, err)
		}
		result.Runs[def.Name] = res.RunID
	}

	logger.Info("pipeline completed",
		slog.Float64("total", result.Estimate.Total),
		slog.Bool("used_fallback", result.Estimate.UsedFallback))
	return result, nil
}

// RunMetered counts the run against the tenant's inspection_pipeline policy
// first. Over the limit it returns a *usage.RateLimitError and nothing runs.
// Without a usage controller it is Run.
func (p *Pipeline) RunMetered(ctx context.Context, tenantID uuid.UUID, req Request) (*Result, error) {
	if p.usage == nil {
		return p.Run(ctx, tenantID, req)
	}

	var full *Result
	_, err := usage.WithCacheRateLimitAndBilling(ctx, p.usage, usage.Call[*Result]{
		TenantID:      tenantID,
		Operation:     OperationInspection,
		CorrelationID: req.CorrelationID,
		Model:         "pipeline",
		Execute: func(ctx context.Context) (*Result, int, error) {
			res, err := p.Run(ctx, tenantID, req)
			full = res
			return res, 0, err
		},
	})
	return full, err
}

// MeteredInfer returns the metered AI pricing function for direct estimate
// requests, or nil when no AI pricer is configured.
func (p *Pipeline) MeteredInfer(tenantID uuid.UUID, correlationID string) estimate.InferFunc {
	if p.pricer == nil || p.usage == nil {
		return nil
	}
	return p.meteredInfer(tenantID, correlationID)
}

func (p *Pipeline) definition(name string, fn agent.Func) agent.Definition {
	return agent.Definition{Name: name, Namespace: name, MemoryLimit: p.memoryLimit, Execute: fn}
}

func (p *Pipeline) triageAgent(insp *inspection.Inspection) agent.Definition {
	return p.definition(AgentInspectionTriage, func(ctx context.Context, rc *agent.RunContext, _ json.RawMessage) (json.RawMessage, error) {
		if err := p.orchestrator.Enrich(ctx, insp); err != nil {
			return nil, err
		}
		if err := p.orchestrator.Analyze(ctx, insp); err != nil {
			return nil, err
		}
		if err := rc.Remember(ctx, "vin:"+insp.VIN+":severity", insp.Finding.Severity); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"vehicle":          insp.Vehicle,
			"finding":          insp.Finding,
			"difficulty_score": insp.DifficultyScore,
		})
	})
}

func (p *Pipeline) pricingAgent(tenantID uuid.UUID, insp *inspection.Inspection, req Request, result *Result) agent.Definition {
	return p.definition(AgentPricing, func(ctx context.Context, rc *agent.RunContext, _ json.RawMessage) (json.RawMessage, error) {
		opts := req.Pricing

		if p.rules != nil {
			records, err := p.rules.ListByTenant(ctx, tenantID)
			if err != nil {
				return nil, fmt.Errorf("failed to load pricing rules: %w", err)
			}
			opts.TenantRules = append(rules.Ordered(records), opts.TenantRules...)
		}
		if p.pricer != nil && p.usage != nil {
			opts.Infer = p.meteredInfer(tenantID, opts.CorrelationID)
		}

		if err := p.orchestrator.Price(ctx, insp, opts); err != nil {
			return nil, err
		}
		result.Estimate = insp.Estimate

		memKey := "vin:" + insp.VIN + ":last_total"
		previous, _ := rc.Recall(memKey)
		if err := rc.Remember(ctx, memKey, insp.Estimate.Total); err != nil {
			return nil, err
		}

		return json.Marshal(map[string]any{
			"estimate_id":    insp.Estimate.EstimateID,
			"total":          insp.Estimate.Total,
			"used_fallback":  insp.Estimate.UsedFallback,
			"previous_total": previous,
		})
	})
}

// pricedInference carries the pricer's two results through inference.Do.
type pricedInference struct {
	ai           *estimate.AIInference
	outputTokens int
}

// meteredInfer wraps the guarded AI pricer in the usage controller, so one
// ledger entry covers every attempt of a call. Rate-limit, breaker and
// provider errors surface to the estimate service, which falls back. The
// cache key ignores the correlation id so repeat inspections share results.
func (p *Pipeline) meteredInfer(tenantID uuid.UUID, correlationID string) estimate.InferFunc {
	return func(ctx context.Context, in estimate.Input) (*estimate.AIInference, error) {
		keyed := in
		keyed.CorrelationID = ""
		payload, err := json.Marshal(keyed)
		if err != nil {
			return nil, fmt.Errorf("failed to encode pricing input: %w", err)
		}
		return usage.WithCacheRateLimitAndBilling(ctx, p.usage, usage.Call[*estimate.AIInference]{
			TenantID:      tenantID,
			Operation:     OperationAIPricing,
			CacheKey:      CacheKey(payload),
			CorrelationID: correlationID,
			Model:         p.model,
			InputTokens:   usage.EstimateTokens(payload),
			Execute: func(ctx context.Context) (*estimate.AIInference, int, error) {
				out, err := inference.Do(ctx, p.guard, func(ctx context.Context) (pricedInference, error) {
					ai, tokens, err := p.pricer(ctx, in)
					return pricedInference{ai: ai, outputTokens: tokens}, err
				})
				if err != nil {
					return nil, 0, err
				}
				return out.ai, out.outputTokens, nil
			},
		})
	}
}

// CacheKey is the content hash of a pricing payload.
func CacheKey(payload []byte) string {
	sum := sha256.Sum256(payload)
	return OperationAIPricing + ":" + hex.EncodeToString(sum[:])
}

func (p *Pipeline) upsellAgent(insp *inspection.Inspection, req Request, result *Result) agent.Definition {
	return p.definition(AgentUpsell, func(ctx context.Context, rc *agent.RunContext, _ json.RawMessage) (json.RawMessage, error) {
		recs := insp.Estimate.RecommendedUpsells
		if len(recs) == 0 {
			year := 0
			if insp.Vehicle != nil {
				year = insp.Vehicle.DecodedModelYear
			}
			raw, err := rc.Invoke(ctx, ToolRecommendUpsells, upsell.Input{
				VehicleEmbedding: upsell.VehicleEmbedding(year, insp.Mileage),
				PriceAnchor:      insp.Estimate.Total,
				History:          req.Pricing.UpsellHistory,
			})
			if err != nil {
				return nil, err
			}
			if err := json.Unmarshal(raw, &recs); err != nil {
				return nil, fmt.Errorf("invalid upsell recommendations: %w", err)
			}
		}

		result.Offers = SelectOffers(recs)
		categories := make([]string, 0, len(result.Offers))
		for _, o := range result.Offers {
			categories = append(categories, o.Category)
		}
		if err := rc.Remember(ctx, "vin:"+insp.VIN+":offers", categories); err != nil {
			return nil, err
		}
		return json.Marshal(result.Offers)
	})
}

// SelectOffers keeps recommendations at or above 50% probability, best first,
// at most three. With none above the floor the single best is offered.
func SelectOffers(recs []models.UpsellRecommendation) []models.UpsellRecommendation {
	sorted := append([]models.UpsellRecommendation(nil), recs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Probability > sorted[j].Probability
	})

	offers := make([]models.UpsellRecommendation, 0, maxOffers)
	for _, r := range sorted {
		if r.Probability >= offerProbabilityFloor && len(offers) < maxOffers {
			offers = append(offers, r)
		}
	}
	if len(offers) == 0 && len(sorted) > 0 {
		offers = append(offers, sorted[0])
	}
	return offers
}

func (p *Pipeline) deliveryAgent(insp *inspection.Inspection, req Request, result *Result) agent.Definition {
	return p.definition(AgentDelivery, func(ctx context.Context, rc *agent.RunContext, _ json.RawMessage) (json.RawMessage, error) {
		raw, err := rc.Invoke(ctx, ToolReplayArtifact, insp.Estimate.Artifact)
		if err != nil {
			return nil, err
		}
		var replay ReplayResponse
		if err := json.Unmarshal(raw, &replay); err != nil {
			return nil, fmt.Errorf("invalid replay response: %w", err)
		}
		if replay.Total != insp.Estimate.Total {
			return nil, fmt.Errorf("%w: %.2f != %.2f", ErrReplayMismatch, replay.Total, insp.Estimate.Total)
		}

		if len(req.Technicians) > 0 {
			raw, err := rc.Invoke(ctx, ToolRouteTechnician, RouteRequest{Job: req.Job, Technicians: req.Technicians})
			if err != nil {
				return nil, err
			}
			var assignment inspection.Assignment
			if err := json.Unmarshal(raw, &assignment); err != nil {
				return nil, fmt.Errorf("invalid assignment: %w", err)
			}
			result.Assignment = &assignment
		}

		if err := p.orchestrator.Deliver(insp); err != nil {
			return nil, err
		}

		out := map[string]any{
			"inspection_id": insp.ID,
			"status":        insp.Status,
			"total":         insp.Estimate.Total,
			"offers":        len(result.Offers),
		}
		if result.Assignment != nil {
			out["technician_id"] = result.Assignment.TechnicianID
		}
		return json.Marshal(out)
	})
}
