package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing metrics
	SettlementsTotal         *prometheus.CounterVec
	PriceChangesAppliedTotal prometheus.Counter
	ReplenishmentQuotesTotal *prometheus.CounterVec
	NegotiationTransitions   *prometheus.CounterVec

	// Automation metrics
	AutomationRunsTotal *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcare_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "poolcare_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		SettlementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcare_settlements_total",
				Help: "Payments settled, by source (monthly, advance)",
			},
			[]string{"source"},
		),
		PriceChangesAppliedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "poolcare_price_changes_applied_total",
				Help: "Pending price changes written into live pricing",
			},
		),
		ReplenishmentQuotesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcare_replenishment_quotes_total",
				Help: "Replenishment quotes entering a status",
			},
			[]string{"status"},
		),
		NegotiationTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcare_negotiation_transitions_total",
				Help: "Advance payment and plan change request transitions",
			},
			[]string{"flow", "to"},
		),
		AutomationRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "poolcare_automation_runs_total",
				Help: "Automation job runs by result (ok, failed, skipped)",
			},
			[]string{"job", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.SettlementsTotal,
		m.PriceChangesAppliedTotal,
		m.ReplenishmentQuotesTotal,
		m.NegotiationTransitions,
		m.AutomationRunsTotal,
	)

	return m
}

func (m *Metrics) Settlement(source string) {
	if m == nil {
		return
	}
	m.SettlementsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) PriceChangeApplied() {
	if m == nil {
		return
	}
	m.PriceChangesAppliedTotal.Inc()
}

func (m *Metrics) Quote(status string) {
	if m == nil {
		return
	}
	m.ReplenishmentQuotesTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Transition(flow string, to string) {
	if m == nil {
		return
	}
	m.NegotiationTransitions.WithLabelValues(flow, to).Inc()
}

func (m *Metrics) AutomationRun(job string, result string) {
	if m == nil {
		return
	}
	m.AutomationRunsTotal.WithLabelValues(job, result).Inc()
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests, labelling them by the matched
// ServeMux pattern to keep ids out of the label set.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
