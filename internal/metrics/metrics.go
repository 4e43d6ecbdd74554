// Package metrics exposes Prometheus collectors for the HTTP layer and the
// upstream calls.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const unmatchedRoute = "unmatched"

// Outcome labels for UpstreamRequestsTotal.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
)

// LLMBuckets covers generation latencies from 100ms to 5 minutes.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// RequestsTotal counts HTTP requests by method, route template and status code.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_bridge_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemini_bridge_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method", "route"},
	)

	// UpstreamRequestsTotal counts generateContent calls by resolved model and outcome.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_bridge_upstream_requests_total",
			Help: "Upstream requests",
		},
		[]string{"model", "outcome"},
	)

	// UpstreamLatency records upstream latency in seconds.
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemini_bridge_upstream_latency_seconds",
			Help:    "Upstream latency",
			Buckets: LLMBuckets,
		},
		[]string{"model"},
	)

	// EstimatedTokensTotal counts estimated tokens by direction (prompt/completion).
	EstimatedTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemini_bridge_estimated_tokens_total",
			Help: "Estimated token count",
		},
		[]string{"model", "direction"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		UpstreamRequestsTotal,
		UpstreamLatency,
		EstimatedTokensTotal,
	)
}

// ObserveUpstream records one upstream call.
func ObserveUpstream(model, outcome string, elapsed time.Duration) {
	UpstreamRequestsTotal.WithLabelValues(model, outcome).Inc()
	UpstreamLatency.WithLabelValues(model).Observe(elapsed.Seconds())
}

// AddEstimatedTokens records the usage block of a translated response.
func AddEstimatedTokens(model string, prompt, completion int) {
	EstimatedTokensTotal.WithLabelValues(model, "prompt").Add(float64(prompt))
	EstimatedTokensTotal.WithLabelValues(model, "completion").Add(float64(completion))
}

// Middleware records request count and duration labelled by route template.
// Errors returned by handlers are passed to the echo error handler first so
// the recorded status is the one sent to the client.
func Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)
			if err != nil && !c.Response().Committed {
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = unmatchedRoute
			}
			method := c.Request().Method

			RequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			RequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
