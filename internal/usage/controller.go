// Package usage meters AI-backed operations per tenant: it rate limits, caches
// results and records every attempt in the usage ledger.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/reconiq/quote-engine/internal/metrics"
	"github.com/reconiq/quote-engine/internal/models"
)

// ErrInvalidCall is returned for calls missing a tenant, operation or executor.
var ErrInvalidCall = errors.New("invalid metered call")

// Call describes one metered invocation. Execute returns the result and the
// number of output tokens it consumed.
type Call[T any] struct {
	TenantID      uuid.UUID
	Operation     string
	CacheKey      string
	CorrelationID string
	Model         string
	InputTokens   int
	Execute       func(ctx context.Context) (T, int, error)
}

// Controller holds the stores and policies shared by all metered calls.
type Controller struct {
	counter  Counter
	cache    Cache
	ledger   Ledger
	policies *Policies
	now      func() time.Time
	flights  singleflight.Group
	logger   *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController creates a usage controller.
func NewController(counter Counter, cache Cache, ledger Ledger, policies *Policies, opts ...Option) *Controller {
	c := &Controller{
		counter:  counter,
		cache:    cache,
		ledger:   ledger,
		policies: policies,
		now:      time.Now,
		logger:   slog.Default().With(slog.String("service", "usage-controller")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type flightResult struct {
	payload      []byte
	outputTokens int
}

// WithCacheRateLimitAndBilling runs call under the tenant's policy. The order
// is fixed: resolve policy, count the request, reject over the limit (after a
// ledger write), serve from cache, otherwise execute, cache and bill.
// Concurrent identical (tenant, cache key) misses share one execution.
func WithCacheRateLimitAndBilling[T any](ctx context.Context, c *Controller, call Call[T]) (T, error) {
	var zero T
	if call.TenantID == uuid.Nil || call.Operation == "" || call.Execute == nil {
		return zero, ErrInvalidCall
	}

	logger := c.logger.With(
		slog.String("tenant_id", call.TenantID.String()),
		slog.String("operation", call.Operation),
		slog.String("correlation_id", call.CorrelationID),
	)

	// Step 1: resolve policy
	policy, err := c.policies.Resolve(call.TenantID, call.Operation)
	if err != nil {
		return zero, err
	}

	// Step 2: count this request in its window bucket
	now := c.now()
	windowMs := policy.Window.Milliseconds()
	nowMs := now.UnixMilli()
	bucket := nowMs / windowMs

	count, err := c.counter.Increment(ctx, call.TenantID, call.Operation, bucket, 2*policy.Window)
	if err != nil {
		return zero, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Step 3: reject over the limit, ledger first
	if count > int64(policy.MaxRequestsPerWindow) {
		rlErr := &RateLimitError{
			TenantID:      call.TenantID,
			Operation:     call.Operation,
			CurrentCount:  count,
			Limit:         policy.MaxRequestsPerWindow,
			WindowMs:      windowMs,
			RetryAfterMs:  windowMs - nowMs%windowMs,
			CorrelationID: call.CorrelationID,
		}
		c.record(ctx, logger, call.entry(policy, now, 0, false, map[string]any{
			"rejected":      true,
			"reason":        "rate_limit_exceeded",
			"current_count": count,
			"limit":         policy.MaxRequestsPerWindow,
			"window_ms":     windowMs,
		}), metrics.OutcomeRejected)

		logger.Warn("rate limit exceeded",
			slog.Int64("current_count", count),
			slog.Int("limit", policy.MaxRequestsPerWindow),
			slog.Int64("retry_after_ms", rlErr.RetryAfterMs))
		return zero, rlErr
	}

	// Step 4: serve from cache
	if call.CacheKey != "" {
		if cached, ok := c.lookup(ctx, logger, call.TenantID, call.CacheKey); ok {
			var out T
			if err := json.Unmarshal(cached, &out); err == nil {
				c.record(ctx, logger, call.entry(policy, now, 0, true, nil), metrics.OutcomeCacheHit)
				return out, nil
			}
			logger.Warn("discarding undecodable cached result", slog.String("cache_key", call.CacheKey))
		}
	}

	// Step 5: execute, cache and bill
	executed := false
	run := func() (any, error) {
		executed = true
		result, outputTokens, err := call.Execute(ctx)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result for cache: %w", err)
		}
		if call.CacheKey != "" && policy.CacheTTL > 0 {
			if err := c.cache.Set(ctx, call.TenantID, call.CacheKey, payload, policy.CacheTTL); err != nil {
				logger.Warn("failed to cache result", slog.String("error", err.Error()))
			}
		}
		return flightResult{payload: payload, outputTokens: outputTokens}, nil
	}

	var v any
	if call.CacheKey != "" {
		v, err, _ = c.flights.Do(call.TenantID.String()+":"+call.CacheKey, run)
	} else {
		v, err = run()
	}

	if err != nil {
		if executed {
			c.record(ctx, logger, call.entry(policy, now, 0, false, map[string]any{
				"failed": true,
				"error":  truncate(err.Error(), 500),
			}), metrics.OutcomeFailed)
		}
		return zero, err
	}

	res := v.(flightResult)
	var out T
	if err := json.Unmarshal(res.payload, &out); err != nil {
		return zero, fmt.Errorf("failed to decode result: %w", err)
	}

	if executed {
		c.record(ctx, logger, call.entry(policy, now, res.outputTokens, false, nil), metrics.OutcomeExecuted)
	} else {
		// Another caller executed this key; bill this one as a cache hit.
		c.record(ctx, logger, call.entry(policy, now, 0, true, map[string]any{"shared_flight": true}), metrics.OutcomeCacheHit)
	}
	return out, nil
}

func (c *Controller) lookup(ctx context.Context, logger *slog.Logger, tenantID uuid.UUID, key string) ([]byte, bool) {
	cached, ok, err := c.cache.Get(ctx, tenantID, key)
	if err != nil {
		logger.Warn("cache lookup failed, treating as miss", slog.String("error", err.Error()))
		return nil, false
	}
	return cached, ok
}

func (c *Controller) record(ctx context.Context, logger *slog.Logger, entry *models.UsageLedgerEntry, outcome string) {
	metrics.RecordUsage(entry.Operation, outcome, entry.CostUSD)
	if err := c.ledger.Append(ctx, entry); err != nil {
		logger.Error("failed to append usage ledger entry",
			slog.String("outcome", outcome),
			slog.String("error", err.Error()))
	}
}

func (call Call[T]) entry(policy Policy, at time.Time, outputTokens int, cacheHit bool, metadata map[string]any) *models.UsageLedgerEntry {
	return &models.UsageLedgerEntry{
		ID:            uuid.New(),
		TenantID:      call.TenantID,
		Operation:     call.Operation,
		CacheKey:      call.CacheKey,
		Model:         call.Model,
		InputTokens:   call.InputTokens,
		OutputTokens:  outputTokens,
		CostUSD:       Cost(call.InputTokens, outputTokens, policy.TokenCostUSDPer1K),
		CacheHit:      cacheHit,
		CorrelationID: call.CorrelationID,
		Metadata:      metadata,
		CreatedAt:     at,
	}
}

// Cost is (input+output)/1000 x the per-1k token price.
func Cost(inputTokens, outputTokens int, costPer1K float64) float64 {
	return float64(inputTokens+outputTokens) / 1000 * costPer1K
}

// EstimateTokens approximates token usage for a serialized payload at four
// bytes per token.
func EstimateTokens(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	return (len(payload) + 3) / 4
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
