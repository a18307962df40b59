package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "firehose"

type Metrics struct {
	Records              *prometheus.CounterVec
	ClassificationErrors *prometheus.CounterVec
	Batches              *prometheus.CounterVec
	MetadataEmissions    *prometheus.CounterVec
	DispatchErrors       *prometheus.CounterVec
	NegativeDeltas       *prometheus.CounterVec
	Buffered             *prometheus.GaugeVec
}

// NewMetrics creates the manager collectors and registers them with reg. A
// nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Records consumed, by kind.",
		}, []string{"stream", "kind"}),
		ClassificationErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_errors_total",
			Help:      "Records skipped because they matched no known shape.",
		}, []string{"stream"}),
		Batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dispatched_total",
			Help:      "Full batches handed to the dispatcher.",
		}, []string{"stream", "mode"}),
		MetadataEmissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_emissions_total",
			Help:      "Metadata snapshots handed to the dispatcher.",
		}, []string{"stream", "mode"}),
		DispatchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Inline callback or enqueue failures.",
		}, []string{"stream", "handler"}),
		NegativeDeltas: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "negative_firehose_deltas_total",
			Help:      "Control records whose undelivered count went backwards.",
		}, []string{"stream"}),
		Buffered: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffered_records",
			Help:      "Data records waiting for a full batch.",
		}, []string{"stream"}),
	}
}
