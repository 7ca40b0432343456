// Package metrics defines the Prometheus metrics of benchkeeper.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "benchkeeper"

// Metrics holds every collector. A nil *Metrics records nothing.
type Metrics struct {
	ingested       *prometheus.CounterVec
	ingestErrors   *prometheus.CounterVec
	appendDuration prometheus.Histogram
	verdicts       *prometheus.CounterVec
	actions        *prometheus.CounterVec
	cache          *prometheus.CounterVec
	suites         prometheus.Gauge
	entries        prometheus.Gauge
	exports        *prometheus.CounterVec
	requests       *prometheus.CounterVec
	requestLatency *prometheus.HistogramVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer
// for the process-wide registry.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Labels: suite, result (appended, duplicate_ignored, duplicate_appended)
		ingested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "ingested_total",
			Help:      "Entries ingested by outcome",
		}, []string{"suite", "result"}),

		// Labels: reason (invalid, unit_mismatch, unavailable, closed, other)
		ingestErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "ingest_errors_total",
			Help:      "Rejected or failed ingestions by reason",
		}, []string{"reason"}),

		appendDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "append_duration_seconds",
			Help:      "Time to validate, persist and commit an entry",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		// Labels: classification (stable, improved, regressed)
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "verdicts_total",
			Help:      "Verdicts produced at ingestion by classification",
		}, []string{"classification"}),

		// Labels: kind (none, notify, fail)
		actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "actions_total",
			Help:      "Alert actions by kind",
		}, []string{"kind"}),

		// Labels: result (hit, miss)
		cache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "verdict_cache_total",
			Help:      "Verdict cache lookups",
		}, []string{"result"}),

		suites: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "suites",
			Help:      "Suites holding at least one entry",
		}),

		entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "entries",
			Help:      "Entries across all suites",
		}),

		// Labels: status (success, error)
		exports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "export",
			Name:      "runs_total",
			Help:      "Parquet exports by status",
		}, []string{"status"}),

		// Labels: method, route, code
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"method", "route", "code"}),

		requestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// RecordIngest records an accepted ingestion.
func (m *Metrics) RecordIngest(suite, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(suite, result).Inc()
	m.appendDuration.Observe(d.Seconds())
}

// RecordIngestError records a rejected or failed ingestion.
func (m *Metrics) RecordIngestError(reason string) {
	if m == nil {
		return
	}
	m.ingestErrors.WithLabelValues(reason).Inc()
}

// RecordVerdict counts one verdict.
func (m *Metrics) RecordVerdict(classification string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(classification).Inc()
}

// RecordAction counts one alert action.
func (m *Metrics) RecordAction(kind string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind).Inc()
}

// RecordCache counts a verdict cache lookup.
func (m *Metrics) RecordCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cache.WithLabelValues(result).Inc()
}

// SetStoreSize publishes the store's current size.
func (m *Metrics) SetStoreSize(suites, entries int) {
	if m == nil {
		return
	}
	m.suites.Set(float64(suites))
	m.entries.Set(float64(entries))
}

// RecordExport counts an export run.
func (m *Metrics) RecordExport(err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.exports.WithLabelValues(status).Inc()
}

// RecordRequest records a served HTTP request.
func (m *Metrics) RecordRequest(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.requestLatency.WithLabelValues(method, route).Observe(d.Seconds())
}
