// Package metrics exposes the sequencer's Prometheus collectors: task
// restarts, queue depths, batch sizes, and tree next_leaf, served over
// promhttp in Prometheus exposition format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SequencerMetrics holds the real Prometheus collectors the pipeline
// instruments directly, superseding the hand-rolled text-exposition
// exporter: every metric here is a genuine prometheus.Collector,
// registered against a prometheus.Registry and served by promhttp.
type SequencerMetrics struct {
	TaskRestarts *prometheus.CounterVec
	QueueDepth   *prometheus.GaugeVec
	BatchSize    *prometheus.HistogramVec
	TreeNextLeaf *prometheus.GaugeVec
	TreeFlatten  prometheus.Counter
}

// NewSequencerMetrics registers the sequencer's collectors against reg and
// returns the handles the pipeline tasks record against.
func NewSequencerMetrics(reg prometheus.Registerer) *SequencerMetrics {
	factory := promauto.With(reg)
	return &SequencerMetrics{
		TaskRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "signup_sequencer_task_restarts_total",
			Help: "Count of supervised task restarts, by task name.",
		}, []string{"task"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signup_sequencer_queue_depth",
			Help: "Depth of a pending work queue, by queue name.",
		}, []string{"queue"}),
		BatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "signup_sequencer_batch_size",
			Help:    "Size of committed batches, by batch type.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"type"}),
		TreeNextLeaf: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "signup_sequencer_tree_next_leaf",
			Help: "next_leaf of a tree version, by version name.",
		}, []string{"version"}),
		TreeFlatten: factory.NewCounter(prometheus.CounterOpts{
			Name: "signup_sequencer_tree_flatten_total",
			Help: "Count of canonical tree flatten/rebuild cycles.",
		}),
	}
}

// Handler serves the registry's collectors in Prometheus exposition
// format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
