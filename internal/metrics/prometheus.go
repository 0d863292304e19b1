// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_upstream_attempts_total{gateway,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{gateway,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_failover_events_total{from,to,reason}
	failoverEvents *prometheus.CounterVec

	// gateway_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_admission_denials_total{reason}
	admissionDenials *prometheus.CounterVec

	// gateway_tokens_total{gateway,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_credits_deducted_total{source} — source is trial or balance
	creditsDeducted *prometheus.CounterVec

	// gateway_catalog_entries{gateway}
	catalogEntries *prometheus.GaugeVec

	// gateway_catalog_refreshes_total{gateway,result}
	catalogRefreshes *prometheus.CounterVec

	// gateway_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// gateway_errors_total{gateway,class}
	gatewayErrors *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes all upstream attempts)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream attempts (includes retries and failovers)",
			},
			[]string{"gateway", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"gateway", "outcome"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_events_total",
				Help: "Failover events between gateways",
			},
			[]string{"from", "to", "reason"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_failover_exhausted_total",
				Help: "Requests that exhausted every planned attempt without success",
			},
			[]string{"primary"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		admissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_denials_total",
				Help: "Gate denials by reason",
			},
			[]string{"reason"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"gateway", "direction"},
		),

		creditsDeducted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credits_deducted_total",
				Help: "Credits deducted, split by funding source",
			},
			[]string{"source"},
		),

		catalogEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_catalog_entries",
				Help: "Entries in the last successful catalog snapshot",
			},
			[]string{"gateway"},
		),

		catalogRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_catalog_refreshes_total",
				Help: "Catalog refresh attempts",
			},
			[]string{"gateway", "result"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		gatewayErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_errors_total",
				Help: "Upstream errors by classification",
			},
			[]string{"gateway", "class"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverEvents,
		r.failoverExhausted,
		r.rateLimitTotal,
		r.admissionDenials,
		r.tokensTotal,
		r.creditsDeducted,
		r.catalogEntries,
		r.catalogRefreshes,
		r.cacheOps,
		r.gatewayErrors,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(gateway, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(gateway, outcome).Inc()
	r.upstreamDuration.WithLabelValues(gateway, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(from, to, reason string) {
	r.failoverEvents.WithLabelValues(from, to, reason).Inc()
}

func (r *Registry) RecordFailoverExhausted(primary string) {
	r.failoverExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordDenial(reason string) {
	r.admissionDenials.WithLabelValues(reason).Inc()
}

func (r *Registry) AddTokens(gateway string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(gateway, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(gateway, "output").Add(float64(completionTokens))
	}
}

// RecordDeduction tracks spend by funding source ("trial" or "balance").
func (r *Registry) RecordDeduction(source string, amount float64) {
	if amount > 0 {
		r.creditsDeducted.WithLabelValues(source).Add(amount)
	}
}

func (r *Registry) SetCatalogEntries(gateway string, n int) {
	r.catalogEntries.WithLabelValues(gateway).Set(float64(n))
}

func (r *Registry) RecordCatalogRefresh(gateway string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.catalogRefreshes.WithLabelValues(gateway, result).Inc()
}

func (r *Registry) CacheGetHit()  { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss() { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheSetOK()   { r.cacheOps.WithLabelValues("set", "ok").Inc() }

func (r *Registry) RecordError(gateway, class string) {
	r.gatewayErrors.WithLabelValues(gateway, class).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
