// Package metrics provides Prometheus metrics for the dosing engine surfaces.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Calculation outcomes.
const (
	OutcomeOK              = "ok"
	OutcomeContraindicated = "contraindicated"
	OutcomeInvalid         = "invalid"
	OutcomeError           = "error"
)

// Metrics holds all application metrics. Each instance owns its registry so tests and
// multiple servers in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	Calculations         *prometheus.CounterVec
	OperationDuration    *prometheus.HistogramVec
	InteractionFindings  *prometheus.CounterVec
	RiskFlags            *prometheus.CounterVec
	CacheLookups         *prometheus.CounterVec
	CatalogReloads       *prometheus.CounterVec
	CatalogInfo          *prometheus.GaugeVec
	HTTPRequests         *prometheus.CounterVec
	RateLimited          prometheus.Counter
	CircuitBreakerState  *prometheus.GaugeVec
	HistoryWriteFailures prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Calculations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_calculations_total",
			Help: "Dose calculations by item and outcome",
		}, []string{"item", "outcome"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dosing_operation_duration_seconds",
			Help:    "Engine operation duration",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		}, []string{"operation"}),
		InteractionFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_interaction_findings_total",
			Help: "Interaction findings reported, by severity",
		}, []string{"severity"}),
		RiskFlags: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_risk_flags_total",
			Help: "Risk flags raised, by category",
		}, []string{"category"}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_cache_lookups_total",
			Help: "Result cache lookups by tier and result",
		}, []string{"tier", "result"}),
		CatalogReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_catalog_reloads_total",
			Help: "Catalog reload attempts by result (swapped, unchanged, rejected)",
		}, []string{"result"}),
		CatalogInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dosing_catalog_info",
			Help: "Catalog currently in force; value is always 1",
		}, []string{"version"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dosing_http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosing_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dosing_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		HistoryWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dosing_history_write_failures_total",
			Help: "Calculation history writes that failed",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Calculations,
		m.OperationDuration,
		m.InteractionFindings,
		m.RiskFlags,
		m.CacheLookups,
		m.CatalogReloads,
		m.CatalogInfo,
		m.HTTPRequests,
		m.RateLimited,
		m.CircuitBreakerState,
		m.HistoryWriteFailures,
	)

	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCalculation records one dose calculation.
func (m *Metrics) ObserveCalculation(item, outcome string, elapsed time.Duration) {
	m.Calculations.WithLabelValues(item, outcome).Inc()
	m.OperationDuration.WithLabelValues("calculate_dose").Observe(elapsed.Seconds())
}

// ObserveOperation records the duration of any other engine operation.
func (m *Metrics) ObserveOperation(operation string, elapsed time.Duration) {
	m.OperationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObserveCache matches cache.Observer.
func (m *Metrics) ObserveCache(tier string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

// ObserveReload records the outcome of a catalog reload attempt.
func (m *Metrics) ObserveReload(changed bool, err error) {
	switch {
	case err != nil:
		m.CatalogReloads.WithLabelValues("rejected").Inc()
	case changed:
		m.CatalogReloads.WithLabelValues("swapped").Inc()
	default:
		m.CatalogReloads.WithLabelValues("unchanged").Inc()
	}
}

// SetCatalogVersion replaces the catalog info series.
func (m *Metrics) SetCatalogVersion(version string) {
	m.CatalogInfo.Reset()
	m.CatalogInfo.WithLabelValues(version).Set(1)
}

// SetBreakerState records a circuit breaker state as reported by gobreaker.State.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
