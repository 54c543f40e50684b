// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
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

	// gateway_admission_denials_total{reason}
	admissionDenials *prometheus.CounterVec

	// gateway_dispatch_attempts_total{provider,outcome}
	dispatchAttempts *prometheus.CounterVec

	// gateway_dispatch_attempt_duration_seconds{provider,outcome}
	attemptDuration *prometheus.HistogramVec

	// gateway_dispatch_exhausted_total{model}
	dispatchExhausted *prometheus.CounterVec

	// gateway_provider_exclusions_total{provider,reason}
	providerExclusions *prometheus.CounterVec

	// gateway_capacity_reservations_total{sub_provider,result}
	reservations *prometheus.CounterVec

	// gateway_subprovider_concurrent{sub_provider}
	subConcurrent *prometheus.GaugeVec

	// gateway_circuit_breaker_state{sub_provider} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// gateway_circuit_breaker_transitions_total{sub_provider,to_state}
	cbTransitions *prometheus.CounterVec

	// gateway_provider_health{provider} — 1=healthy, 0.5=degraded, 0=unhealthy
	providerHealth *prometheus.GaugeVec

	// gateway_provider_errors_total{provider,kind}
	providerErrors *prometheus.CounterVec

	// gateway_tokens_total{provider,endpoint,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_credits_debited_total{plan}
	creditsDebited *prometheus.CounterVec

	// gateway_billing_overruns_total
	billingOverruns prometheus.Counter

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_accounting_rows_total{sink,result}
	accountingRows *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

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
				Help:    "HTTP request duration in seconds (end-to-end, includes dispatch and accounting)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		admissionDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_admission_denials_total",
				Help: "Requests rejected by the authorization gate",
			},
			[]string{"reason"},
		),

		dispatchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_attempts_total",
				Help: "Upstream adapter attempts (includes retries)",
			},
			[]string{"provider", "outcome"},
		),

		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_dispatch_attempt_duration_seconds",
				Help:    "Upstream adapter attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		dispatchExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_exhausted_total",
				Help: "Requests that exhausted every provider attempt without success",
			},
			[]string{"model"},
		),

		providerExclusions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_exclusions_total",
				Help: "Providers excluded during a dispatch retry loop",
			},
			[]string{"provider", "reason"},
		),

		reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_capacity_reservations_total",
				Help: "Capacity reservation attempts on sub-providers",
			},
			[]string{"sub_provider", "result"},
		),

		subConcurrent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_subprovider_concurrent",
				Help: "In-flight reservations per sub-provider",
			},
			[]string{"sub_provider"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"sub_provider"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"sub_provider", "to_state"},
		),

		providerHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_provider_health",
				Help: "Provider health (1=healthy, 0.5=degraded, 0=unhealthy)",
			},
			[]string{"provider"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_provider_errors_total",
				Help: "Provider errors by classified kind",
			},
			[]string{"provider", "kind"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "endpoint", "direction"},
		),

		creditsDebited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_credits_debited_total",
				Help: "Credits debited from user balances",
			},
			[]string{"plan"},
		),

		billingOverruns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_billing_overruns_total",
			Help: "Debits clamped because the balance raced below the estimate",
		}),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Per-user rate limit decisions",
			},
			[]string{"result"},
		),

		accountingRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_accounting_rows_total",
				Help: "Request accounting rows by sink and result",
			},
			[]string{"sink", "result"},
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
		r.admissionDenials,
		r.dispatchAttempts,
		r.attemptDuration,
		r.dispatchExhausted,
		r.providerExclusions,
		r.reservations,
		r.subConcurrent,
		r.circuitBreakerState,
		r.cbTransitions,
		r.providerHealth,
		r.providerErrors,
		r.tokensTotal,
		r.creditsDebited,
		r.billingOverruns,
		r.rateLimitTotal,
		r.accountingRows,
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
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) RecordAdmissionDenial(reason string) {
	r.admissionDenials.WithLabelValues(reason).Inc()
}

// ObserveAttempt records one upstream adapter attempt.
func (r *Registry) ObserveAttempt(provider, outcome string, dur time.Duration) {
	r.dispatchAttempts.WithLabelValues(provider, outcome).Inc()
	r.attemptDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordExhausted(model string) {
	r.dispatchExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) RecordExclusion(provider, reason string) {
	r.providerExclusions.WithLabelValues(provider, reason).Inc()
}

func (r *Registry) RecordReservation(subProvider string, granted bool) {
	result := "granted"
	if !granted {
		result = "rejected"
	}
	r.reservations.WithLabelValues(subProvider, result).Inc()
}

func (r *Registry) SetSubConcurrent(subProvider string, n int) {
	r.subConcurrent.WithLabelValues(subProvider).Set(float64(n))
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(subProvider string, state int64) {
	r.circuitBreakerState.WithLabelValues(subProvider).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[subProvider]
	if !ok || prev != float64(state) {
		r.lastCBState[subProvider] = float64(state)
		r.cbTransitions.WithLabelValues(subProvider, strconv.FormatInt(state, 10)).Inc()
	}
	r.cbMu.Unlock()
}

// SetProviderHealth maps the tri-state health to a gauge value.
func (r *Registry) SetProviderHealth(provider, health string) {
	v := 0.0
	switch health {
	case "healthy":
		v = 1
	case "degraded":
		v = 0.5
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) RecordProviderError(provider, kind string) {
	r.providerErrors.WithLabelValues(provider, kind).Inc()
}

func (r *Registry) AddTokens(provider, endpoint string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, endpoint, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, endpoint, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) AddCreditsDebited(plan string, credits int64) {
	if credits > 0 {
		r.creditsDebited.WithLabelValues(plan).Add(float64(credits))
	}
}

func (r *Registry) RecordBillingOverrun() {
	r.billingOverruns.Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordAccountingRow(sink, result string) {
	r.accountingRows.WithLabelValues(sink, result).Inc()
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
