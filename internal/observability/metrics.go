package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the HTTP surface and the job core.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	transitions     *prometheus.CounterVec
	guardrails      *prometheus.CounterVec
	overrides       prometheus.Counter
	replays         *prometheus.CounterVec
}

// NewMetrics initialises the registry and the application collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jobcore_http_request_duration_seconds",
		Help:    "HTTP request latency per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_job_transitions_total",
		Help: "Committed job status transitions.",
	}, []string{"from", "to"})
	guardrails := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_guardrail_rejections_total",
		Help: "Transitions refused by the evidence gate, by reason.",
	}, []string{"reason"})
	overrides := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "jobcore_manual_overrides_total",
		Help: "Operator overrides used to bypass a location guardrail.",
	})
	replays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobcore_idempotent_replays_total",
		Help: "Requests answered from a stored idempotent result.",
	}, []string{"scope"})
	registry.MustRegister(
		requests, duration, transitions, guardrails, overrides, replays,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		transitions:     transitions,
		guardrails:      guardrails,
		overrides:       overrides,
		replays:         replays,
	}
}

// Handler returns the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for additional collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// ObserveTransition counts a committed status change.
func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

// ObserveGuardrail counts a gate refusal.
func (m *Metrics) ObserveGuardrail(reason string) {
	if m == nil {
		return
	}
	m.guardrails.WithLabelValues(reason).Inc()
}

// ObserveOverride counts an operator override.
func (m *Metrics) ObserveOverride() {
	if m == nil {
		return
	}
	m.overrides.Inc()
}

// IdempotentReplay counts a replayed request.
func (m *Metrics) IdempotentReplay(scope string) {
	if m == nil {
		return
	}
	m.replays.WithLabelValues(scope).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
