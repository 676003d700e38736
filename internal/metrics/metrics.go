// Package metrics exposes Prometheus collectors for the block store.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors updated by the store, the href tracker and
// the garbage collector.
type Metrics struct {
	BlockOps        *prometheus.CounterVec
	HrefInspections *prometheus.CounterVec
	GCRuns          prometheus.Counter
	GCRemoved       *prometheus.CounterVec
	GCDuration      prometheus.Histogram
	ReleaseFailures prometheus.Counter
	SchemaInstalls  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when not nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BlockOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "block_operations_total",
			Help:      "Block store operations by kind and outcome.",
		}, []string{"op", "code"}),
		HrefInspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "href_inspections_total",
			Help:      "Url inspections by result.",
		}, []string{"result"}),
		GCRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "gc_runs_total",
			Help:      "Completed garbage collection runs.",
		}),
		GCRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "gc_removed_total",
			Help:      "Rows removed by garbage collection.",
		}, []string{"kind"}),
		GCDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "blockdb",
			Name:      "gc_duration_seconds",
			Help:      "Duration of garbage collection runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		ReleaseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "gc_release_failures_total",
			Help:      "Failed storage release calls for collected hrefs.",
		}),
		SchemaInstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockdb",
			Name:      "schema_installs_total",
			Help:      "Tenant schema installs.",
		}, []string{"tenant"}),
	}
	if reg != nil {
		reg.MustRegister(m.BlockOps, m.HrefInspections, m.GCRuns, m.GCRemoved, m.GCDuration, m.ReleaseFailures, m.SchemaInstalls)
	}
	return m
}

// BlockOp counts one store operation; code is "" on success.
func (m *Metrics) BlockOp(op, code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "OK"
	}
	m.BlockOps.WithLabelValues(op, code).Inc()
}

// Inspection counts one inspector call.
func (m *Metrics) Inspection(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.HrefInspections.WithLabelValues(result).Inc()
}

// GCRun records a finished collection.
func (m *Metrics) GCRun(blocks, hrefs int, d time.Duration) {
	if m == nil {
		return
	}
	m.GCRuns.Inc()
	m.GCRemoved.WithLabelValues("block").Add(float64(blocks))
	m.GCRemoved.WithLabelValues("href").Add(float64(hrefs))
	m.GCDuration.Observe(d.Seconds())
}

// ReleaseFailed counts a failed storage release.
func (m *Metrics) ReleaseFailed() {
	if m == nil {
		return
	}
	m.ReleaseFailures.Inc()
}

// SchemaInstalled counts a tenant schema install.
func (m *Metrics) SchemaInstalled(tenant string) {
	if m == nil {
		return
	}
	m.SchemaInstalls.WithLabelValues(tenant).Inc()
}
