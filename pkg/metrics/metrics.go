// Copyright 2025 Certen Protocol
//
// Prometheus metrics for the bundle factory and DA reader pipeline.
// The teacher module requires prometheus/client_golang but never
// registers a collector with it; this package is where that dependency
// actually gets exercised.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Bundle factory metrics.
var (
	BundleCurrentSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sequencer_core",
		Subsystem: "bundle",
		Name:      "current_size_bytes",
		Help:      "Size in bytes of the bundle currently being filled.",
	})

	BundleFinishedQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sequencer_core",
		Subsystem: "bundle",
		Name:      "finished_queue_depth",
		Help:      "Number of finished bundles waiting to be submitted.",
	})

	BundlePushRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer_core",
		Subsystem: "bundle",
		Name:      "push_rejections_total",
		Help:      "Number of Push calls rejected, labeled by reason.",
	}, []string{"reason"})
)

// DA reader metrics.
var (
	DAReaderHeightsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sequencer_core",
		Subsystem: "dareader",
		Name:      "heights_in_flight",
		Help:      "Number of DA heights currently being fetched or verified.",
	})

	DAReaderCurrentHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sequencer_core",
		Subsystem: "dareader",
		Name:      "current_height",
		Help:      "Highest DA height successfully fetched (the reader's fetch frontier).",
	})

	DAReaderVerifyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sequencer_core",
		Subsystem: "dareader",
		Name:      "verify_latency_seconds",
		Help:      "Latency of sequencer blob quorum verification plus rollup assembly.",
		Buckets:   prometheus.DefBuckets,
	})

	DAReaderFetchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sequencer_core",
		Subsystem: "dareader",
		Name:      "fetch_errors_total",
		Help:      "Number of DA fetch/verify failures, labeled by stage.",
	}, []string{"stage"})
)

// MustRegister registers every collector in this package with reg. Call
// once at process startup against a prometheus.Registry (or
// prometheus.DefaultRegisterer).
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		BundleCurrentSize,
		BundleFinishedQueueDepth,
		BundlePushRejections,
		DAReaderHeightsInFlight,
		DAReaderCurrentHeight,
		DAReaderVerifyLatency,
		DAReaderFetchErrors,
	)
}
