// Package observability holds the Prometheus metrics for the dashboard backend.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "polytracker"

// Metrics holds the Prometheus counters, histograms, and gauges for the refresh pipeline.
type Metrics struct {
	Refreshes          prometheus.Counter
	RefreshFailures    prometheus.Counter
	RefreshDuration    prometheus.Histogram
	DateParseErrors    prometheus.Counter
	OrderingViolations prometheus.Counter
	InvalidSummaries   prometheus.Counter
	CollectRequests    prometheus.Counter

	// Backend client metrics.
	BackendRequests *prometheus.CounterVec // labels: endpoint, outcome={success,error}

	// Latest snapshot shape.
	AlignedRows     prometheus.Gauge
	SourcesTracked  prometheus.Gauge
	BestModelMAE    prometheus.Gauge
	LeaderChanges   prometheus.Counter
	SnapshotsStored prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		Refreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Total refresh cycles started.",
		}),
		RefreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_failures_total",
			Help:      "Total refresh cycles that failed.",
		}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of a fetch-align-rank refresh cycle.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DateParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "date_parse_errors_total",
			Help:      "Refreshes rejected because a forecast or resolution date was malformed.",
		}),
		OrderingViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accuracy_ordering_violations_total",
			Help:      "Accuracy payloads that were not sorted by mae ascending.",
		}),
		InvalidSummaries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accuracy_invalid_summaries_total",
			Help:      "Accuracy summaries that failed field validation.",
		}),
		CollectRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "collect_requests_total",
			Help:      "Forecast collection requests sent to the backend.",
		}),
		BackendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Backend API requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		AlignedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "aligned_rows",
			Help:      "Calendar-day rows in the latest aligned chart.",
		}),
		SourcesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sources_tracked",
			Help:      "Forecast sources in the latest aligned chart.",
		}),
		BestModelMAE: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_model_mae",
			Help:      "MAE in degrees F of the current best model, 0 when there is none.",
		}),
		LeaderChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leader_changes_total",
			Help:      "Times the best model changed between refreshes.",
		}),
		SnapshotsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_stored_total",
			Help:      "Snapshots persisted to history.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Refreshes,
		m.RefreshFailures,
		m.RefreshDuration,
		m.DateParseErrors,
		m.OrderingViolations,
		m.InvalidSummaries,
		m.CollectRequests,
		m.BackendRequests,
		m.AlignedRows,
		m.SourcesTracked,
		m.BestModelMAE,
		m.LeaderChanges,
		m.SnapshotsStored,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}

// ObserveRequest records a backend request outcome.
func (m *Metrics) ObserveRequest(endpoint string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.BackendRequests.WithLabelValues(endpoint, outcome).Inc()
}
