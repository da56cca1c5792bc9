// Package inference wraps network-bound model calls (vision, AI pricing) with a
// timeout, bounded retries and a circuit breaker, and provides the heuristic
// and VIN fallbacks used when those calls are unavailable.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

var (
	// ErrUnavailable means the call did not produce a result within its budget.
	ErrUnavailable = errors.New("inference unavailable")
	// ErrCircuitOpen means the breaker rejected the call without attempting it.
	ErrCircuitOpen = errors.New("inference circuit open")
)

// GuardConfig tunes a Guard.
type GuardConfig struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryBaseWait    time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Guard applies the timeout, retry and breaker policy to calls.
type Guard struct {
	name       string
	breaker    *Breaker
	timeout    time.Duration
	maxRetries int
	baseWait   time.Duration
	logger     *slog.Logger
}

// NewGuard creates a guard with its own breaker.
func NewGuard(name string, cfg GuardConfig) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 200 * time.Millisecond
	}

	logger := slog.Default().With(
		slog.String("service", "inference-guard"),
		slog.String("guard", name),
	)
	breaker := NewBreaker(name, cfg.BreakerThreshold, cfg.BreakerCooldown)
	breaker.onTransition = func(from, to BreakerState) {
		logger.Warn("circuit breaker transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()))
	}

	return &Guard{
		name:       name,
		breaker:    breaker,
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		baseWait:   cfg.RetryBaseWait,
		logger:     logger,
	}
}

// Breaker exposes the guard's breaker for health reporting.
func (g *Guard) Breaker() *Breaker {
	return g.breaker
}

// Do runs fn with a per-attempt timeout, up to MaxRetries retries with
// exponential backoff and jitter. Every failure it returns wraps ErrUnavailable;
// breaker rejections additionally wrap ErrCircuitOpen.
func Do[T any](ctx context.Context, g *Guard, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if !g.breaker.Allow() {
			if lastErr != nil {
				return zero, fmt.Errorf("%w: %w after %d attempts: %v", ErrUnavailable, ErrCircuitOpen, attempt, lastErr)
			}
			return zero, fmt.Errorf("%w: %w", ErrUnavailable, ErrCircuitOpen)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		result, err := fn(attemptCtx)
		cancel()

		if err == nil {
			g.breaker.Success()
			return result, nil
		}

		g.breaker.Failure()
		lastErr = err
		g.logger.Warn("inference attempt failed",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", g.maxRetries),
			slog.String("error", err.Error()))

		if ctx.Err() != nil {
			return zero, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
		if attempt >= g.maxRetries {
			break
		}

		backoff := calculateBackoff(g.baseWait, attempt)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%w: %s failed after %d attempts: %v", ErrUnavailable, g.name, g.maxRetries+1, lastErr)
}

// calculateBackoff returns base*2^attempt plus up to 10% jitter, capped at 30s.
func calculateBackoff(base time.Duration, attempt int) time.Duration {
	exponentialMs := base.Milliseconds() * int64(math.Pow(2, float64(attempt)))
	jitterMs := rand.Int63n(exponentialMs/10 + 1)

	totalMs := exponentialMs + jitterMs
	maxMs := int64(30 * 1000)
	if totalMs > maxMs {
		totalMs = maxMs
	}
	return time.Duration(totalMs) * time.Millisecond
}
