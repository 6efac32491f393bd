package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Registry owns every collector below and backs the /metrics endpoint.
	Registry *prometheus.Registry

	ledgerOps         *prometheus.CounterVec
	ledgerDuration    *prometheus.HistogramVec
	ledgerConflicts   prometheus.Counter
	reconcileRuns     *prometheus.CounterVec
	reconcileItems    *prometheus.CounterVec
	reportCache       *prometheus.CounterVec
	externalErrors    *prometheus.CounterVec
	eventPublishFails prometheus.Counter
}

// New registers all collectors in a private registry so repeated calls (tests)
// never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ledgerOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrecon_ledger_operations_total",
				Help: "Ledger operations by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		ledgerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletrecon_ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ledgerConflicts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrecon_ledger_conflicts_total",
				Help: "Version conflicts retried by the ledger.",
			},
		),
		reconcileRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrecon_reconciliation_runs_total",
				Help: "Reconciliation runs by outcome.",
			},
			[]string{"outcome"},
		),
		reconcileItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrecon_reconciliation_items_total",
				Help: "Classified reconciliation items by category.",
			},
			[]string{"category"},
		),
		reportCache: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrecon_report_cache_total",
				Help: "Report cache lookups by result.",
			},
			[]string{"result"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletrecon_external_source_errors_total",
				Help: "Failed reads from the external record source.",
			},
			[]string{"source"},
		),
		eventPublishFails: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "walletrecon_event_publish_failures_total",
				Help: "Ledger events that could not be published.",
			},
		),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// ObserveLedger records one ledger operation.
func (m *Metrics) ObserveLedger(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(operation, outcome).Inc()
	m.ledgerDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncConflict counts one retried version conflict.
func (m *Metrics) IncConflict() {
	if m == nil {
		return
	}
	m.ledgerConflicts.Inc()
}

// ObserveReconciliation records a run outcome and, on success, the item count
// per category.
func (m *Metrics) ObserveReconciliation(outcome string, categories map[string]int) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(outcome).Inc()
	for category, n := range categories {
		m.reconcileItems.WithLabelValues(category).Add(float64(n))
	}
}

// CacheResult counts a report cache hit or miss.
func (m *Metrics) CacheResult(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.reportCache.WithLabelValues(result).Inc()
}

// IncExternalError counts a failed external source read.
func (m *Metrics) IncExternalError(source string) {
	if m == nil {
		return
	}
	m.externalErrors.WithLabelValues(source).Inc()
}

// IncPublishFailure counts an undelivered ledger event.
func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.eventPublishFails.Inc()
}
