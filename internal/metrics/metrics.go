// Package metrics holds the Prometheus collectors of the ledger. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	// Registry owns every collector below and backs the /metrics endpoint.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	allocations     *prometheus.CounterVec
	allocatedCents  *prometheus.CounterVec
	fanoutFailures  prometheus.Counter
	intents         *prometheus.CounterVec
	corrections     prometheus.Counter
	publishErrors   *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
}

// New registers all collectors in a private registry so tests can build as
// many instances as they like.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kas_http_request_duration_seconds",
				Help:    "Duration of HTTP requests by route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		allocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kas_allocations_total",
				Help: "Savings allocations created, by source.",
			},
			[]string{"source"},
		),
		allocatedCents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kas_allocated_cents_total",
				Help: "Amount allocated to savings targets in cents, by source.",
			},
			[]string{"source"},
		),
		fanoutFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "kas_fanout_failures_total",
			Help: "Auto-allocation legs that failed and were left for retry.",
		}),
		intents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kas_allocation_intents_total",
				Help: "Allocation intents processed by the outbox, by outcome.",
			},
			[]string{"outcome"},
		),
		corrections: factory.NewCounter(prometheus.CounterOpts{
			Name: "kas_reconcile_corrections_total",
			Help: "Savings targets whose accumulated amount was corrected by reconciliation.",
		}),
		publishErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kas_publish_errors_total",
				Help: "Messages that could not be published, by type.",
			},
			[]string{"type"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kas_cache_lookups_total",
				Help: "Cache lookups by cache and result.",
			},
			[]string{"cache", "result"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordRequest(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}

// RecordAllocation counts one stored allocation; source is "auto" or "manual".
func (m *Metrics) RecordAllocation(source string, cents int64) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(source).Inc()
	m.allocatedCents.WithLabelValues(source).Add(float64(cents))
}

func (m *Metrics) IncrFanoutFailure() {
	if m == nil {
		return
	}
	m.fanoutFailures.Inc()
}

func (m *Metrics) IncrIntent(outcome string) {
	if m == nil {
		return
	}
	m.intents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrCorrection() {
	if m == nil {
		return
	}
	m.corrections.Inc()
}

func (m *Metrics) IncrPublishError(msgType string) {
	if m == nil {
		return
	}
	m.publishErrors.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(cache, result).Inc()
}
