// Package metrics exposes prometheus collectors for the quote engine.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxLabelLen caps label values so tenant-supplied strings cannot blow up cardinality.
const maxLabelLen = 64

// Usage outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeCacheHit = "cache_hit"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

var (
	metricsOnce sync.Once

	usageCalls        *prometheus.CounterVec
	usageCostUSD      *prometheus.CounterVec
	estimatePaths     *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	agentRuns         *prometheus.CounterVec
	httpRequestTotal  *prometheus.CounterVec
	httpRequestTiming *prometheus.HistogramVec
)

func initMetrics() {
	usageCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quote_engine",
			Subsystem: "usage",
			Name:      "calls_total",
			Help:      "Metered calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	usageCostUSD = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quote_engine",
			Subsystem: "usage",
			Name:      "cost_usd_total",
			Help:      "Estimated spend recorded in the usage ledger.",
		},
		[]string{"operation"},
	)

	estimatePaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quote_engine",
			Subsystem: "pricing",
			Name:      "estimates_total",
			Help:      "Estimates produced by pricing path (ai or fallback).",
		},
		[]string{"path"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "quote_engine",
			Subsystem: "inference",
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		},
		[]string{"breaker"},
	)

	agentRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quote_engine",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Agent runs by agent name and terminal status.",
		},
		[]string{"agent", "status"},
	)

	httpRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "quote_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled by the API.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestTiming = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "quote_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration observed at the API layer.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "route"},
	)

	prometheus.MustRegister(
		usageCalls,
		usageCostUSD,
		estimatePaths,
		breakerState,
		agentRuns,
		httpRequestTotal,
		httpRequestTiming,
	)
}

// RecordUsage counts one metered call outcome and its ledger cost.
func RecordUsage(operation, outcome string, costUSD float64) {
	metricsOnce.Do(initMetrics)
	op := sanitizeLabel(operation)
	usageCalls.WithLabelValues(op, outcome).Inc()
	if costUSD > 0 {
		usageCostUSD.WithLabelValues(op).Add(costUSD)
	}
}

// RecordEstimate counts an estimate by the path that produced it.
func RecordEstimate(path string) {
	metricsOnce.Do(initMetrics)
	estimatePaths.WithLabelValues(sanitizeLabel(path)).Inc()
}

// SetBreakerState publishes a breaker's numeric state.
func SetBreakerState(name string, state int) {
	metricsOnce.Do(initMetrics)
	breakerState.WithLabelValues(sanitizeLabel(name)).Set(float64(state))
}

// RecordAgentRun counts a terminal agent run.
func RecordAgentRun(agent, status string) {
	metricsOnce.Do(initMetrics)
	agentRuns.WithLabelValues(sanitizeLabel(agent), status).Inc()
}

// RecordHTTPRequest records one API request.
func RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	metricsOnce.Do(initMetrics)
	if route == "" {
		route = "unmatched"
	}
	httpRequestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestTiming.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	metricsOnce.Do(initMetrics)
	return promhttp.Handler()
}

func sanitizeLabel(s string) string {
	if s == "" {
		return "unknown"
	}
	s = strings.ReplaceAll(s, " ", "_")
	if len(s) > maxLabelLen {
		s = s[:maxLabelLen]
	}
	return s
}
