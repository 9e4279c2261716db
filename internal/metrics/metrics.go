// Package metrics provides the Prometheus collectors of the ingestor. Metrics
// is the observer handed to the engine, the indexing trigger, the scheduler
// and the job consumer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// MetricsNamespace is the namespace for all ingestor metrics.
	MetricsNamespace = "chat_ingestor"
)

// Metrics holds all ingestor collectors.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal      *prometheus.CounterVec
	BackoffsTotal    prometheus.Counter
	CycleDuration    prometheus.Histogram
	ItemsTotal       *prometheus.CounterVec
	SourceErrors     *prometheus.CounterVec
	JobsTotal        *prometheus.CounterVec
	IndexingRequests *prometheus.CounterVec
}

// New creates the collectors on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.CyclesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "cycles_total",
			Help:      "Scheduled cycles by outcome",
		},
		[]string{"outcome"},
	)

	m.BackoffsTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "backoffs_total",
			Help:      "Backoff waits caused by recent activity",
		},
	)

	m.CycleDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: MetricsNamespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of scheduled cycles, backoff waits included",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~2.3h
		},
	)

	m.ItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "items_ingested_total",
			Help:      "New items stored per source",
		},
		[]string{"source"},
	)

	m.SourceErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "source_errors_total",
			Help:      "Sources that stopped on an error, by stage",
		},
		[]string{"source", "stage"},
	)

	m.JobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "jobs_total",
			Help:      "Manual jobs by final status",
		},
		[]string{"status"},
	)

	m.IndexingRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: MetricsNamespace,
			Name:      "indexing_requests_total",
			Help:      "Index rebuild requests by result",
		},
		[]string{"result"},
	)

	return m
}

// Registry returns the registry to expose over HTTP.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ItemsIngested counts new items of a source.
func (m *Metrics) ItemsIngested(sourceID string, n int) {
	if n > 0 {
		m.ItemsTotal.WithLabelValues(sourceID).Add(float64(n))
	}
}

// SourceFailed counts a source error.
func (m *Metrics) SourceFailed(sourceID, stage string) {
	m.SourceErrors.WithLabelValues(sourceID, stage).Inc()
}

// IndexRequest counts a rebuild request.
func (m *Metrics) IndexRequest(result string) {
	m.IndexingRequests.WithLabelValues(result).Inc()
}

// CycleFinished records one scheduled cycle.
func (m *Metrics) CycleFinished(outcome string, duration time.Duration) {
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(duration.Seconds())
}

// BackoffStarted counts a backoff wait.
func (m *Metrics) BackoffStarted() {
	m.BackoffsTotal.Inc()
}

// JobFinished counts a manual job.
func (m *Metrics) JobFinished(status string) {
	m.JobsTotal.WithLabelValues(status).Inc()
}
