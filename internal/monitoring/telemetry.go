// Package monitoring instruments stage runs with Prometheus metrics and
// watches the boundary catalog for failing stages.
package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
)

// Outcomes recorded per boundary.
const (
	OutcomeDone     = "done"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
	OutcomeBlocked  = "blocked"
	OutcomeConflict = "conflict"
)

var (
	boundariesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netmetrics_boundaries_total",
		Help: "Boundaries handled by a stage run, by outcome",
	}, []string{"stage", "outcome"})

	boundaryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netmetrics_boundary_duration_seconds",
		Help:    "Wall time spent processing one claimed boundary",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 16),
	}, []string{"stage"})

	metricRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netmetrics_metric_records_total",
		Help: "Metric records written, by category",
	}, []string{"category"})

	boundaryStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "netmetrics_boundary_status",
		Help: "Boundaries per catalog status, refreshed by the health checker",
	}, []string{"extent", "stage", "status"})
)

// RecordBoundary counts one boundary outcome for stage. Durations are only
// observed for boundaries that were actually processed.
func RecordBoundary(stage, outcome string, elapsed time.Duration) {
	boundariesTotal.WithLabelValues(stage, outcome).Inc()
	if outcome == OutcomeDone || outcome == OutcomeFailed {
		boundaryDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	}
}

// RecordMetricRecords counts records persisted for a metric category.
func RecordMetricRecords(category string, n int) {
	metricRecordsTotal.WithLabelValues(category).Add(float64(n))
}

// WriteTextfile dumps the default registry in the node_exporter textfile
// format so batch runs can be scraped after they exit.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return eris.Wrapf(err, "monitoring: write textfile %s", path)
	}
	return nil
}
