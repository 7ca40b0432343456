package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorders(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordIngest("Benchmark", "appended", 5*time.Millisecond)
	m.RecordIngest("Benchmark", "appended", 7*time.Millisecond)
	m.RecordIngestError("unit_mismatch")
	m.RecordVerdict("regressed")
	m.RecordAction("notify")
	m.RecordCache(true)
	m.RecordCache(false)
	m.RecordCache(false)
	m.SetStoreSize(2, 17)
	m.RecordExport(errors.New("disk full"))
	m.RecordRequest("GET", "/healthz", 200, time.Millisecond)

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"ingested", m.ingested.WithLabelValues("Benchmark", "appended"), 2},
		{"ingest errors", m.ingestErrors.WithLabelValues("unit_mismatch"), 1},
		{"verdicts", m.verdicts.WithLabelValues("regressed"), 1},
		{"actions", m.actions.WithLabelValues("notify"), 1},
		{"cache misses", m.cache.WithLabelValues("miss"), 2},
		{"entries", m.entries, 17},
		{"export errors", m.exports.WithLabelValues("error"), 1},
		{"requests", m.requests.WithLabelValues("GET", "/healthz", "200"), 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, got)
		}
	}
}

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics
	m.RecordIngest("s", "appended", time.Second)
	m.RecordCache(true)
	m.SetStoreSize(1, 1)
	m.RecordRequest("GET", "/", 200, time.Second)
}

func TestSeparateRegistries(t *testing.T) {
	// Registering twice on one registry panics; separate ones must not.
	New(prometheus.NewRegistry())
	New(prometheus.NewRegistry())
}
