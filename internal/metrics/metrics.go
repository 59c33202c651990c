package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Collector records runtime metrics both as Prometheus series and as
// structured log lines.
type Collector struct {
	logger   zerolog.Logger
	registry *prometheus.Registry

	policyCalls  *prometheus.CounterVec
	actLatency   *prometheus.HistogramVec
	violations   *prometheus.CounterVec
	weightSwaps  *prometheus.CounterVec
	environments prometheus.Gauge
	apiRequests  *prometheus.CounterVec
	apiDuration  *prometheus.HistogramVec
}

func NewCollector(logger zerolog.Logger) *Collector {
	c := &Collector{
		logger:   logger,
		registry: prometheus.NewRegistry(),
		policyCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policyrt_policy_calls_total",
			Help: "Policy invocations by algorithm and kind (reset or step)",
		}, []string{"algorithm", "kind"}),
		actLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policyrt_act_duration_seconds",
			Help:    "Time spent computing one action",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10), // 1µs to ~260ms
		}, []string{"algorithm"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policyrt_invariant_violations_total",
			Help: "Actions rejected by the safety invariant",
		}, []string{"algorithm"}),
		weightSwaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policyrt_weight_swaps_total",
			Help: "Weight hot-swap attempts by source and result",
		}, []string{"source", "result"}),
		environments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "policyrt_environments",
			Help: "Environments currently held by the runtime",
		}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policyrt_http_requests_total",
			Help: "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "policyrt_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	c.registry.MustRegister(
		c.policyCalls, c.actLatency, c.violations, c.weightSwaps,
		c.environments, c.apiRequests, c.apiDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Track one reset or step
func (c *Collector) PolicyCall(envID, algorithm, kind string, step uint64, latency time.Duration) {
	c.policyCalls.WithLabelValues(algorithm, kind).Inc()
	c.actLatency.WithLabelValues(algorithm).Observe(latency.Seconds())
	c.logger.Debug().
		Str("metric", "policy_call").
		Str("env_id", envID).
		Str("algorithm", algorithm).
		Str("kind", kind).
		Uint64("step", step).
		Dur("latency", latency).
		Msg("Policy call metric")
}

// Track safety invariant failures
func (c *Collector) InvariantViolation(envID, algorithm, detail string) {
	c.violations.WithLabelValues(algorithm).Inc()
	c.logger.Warn().
		Str("metric", "invariant_violation").
		Str("env_id", envID).
		Str("algorithm", algorithm).
		Str("detail", detail).
		Msg("Invariant violation metric")
}

// Track weight hot-swaps
func (c *Collector) WeightSwap(envID, source string, accepted bool) {
	result := "accepted"
	if !accepted {
		result = "rejected"
	}
	c.weightSwaps.WithLabelValues(source, result).Inc()
	c.logger.Info().
		Str("metric", "weight_swap").
		Str("env_id", envID).
		Str("source", source).
		Str("result", result).
		Msg("Weight swap metric")
}

// Track the number of live environments
func (c *Collector) Environments(n int) {
	c.environments.Set(float64(n))
}

// Track API request metrics
func (c *Collector) APIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	c.apiRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	c.apiDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	c.logger.Info().
		Str("metric", "api_request").
		Str("method", method).
		Str("endpoint", endpoint).
		Int("status_code", statusCode).
		Dur("duration", duration).
		Msg("API request metric")
}
