package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	mergeOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "devorbit",
		Subsystem: "merge",
		Name:      "observations_total",
		Help:      "Observations processed by the merge engine, labeled by outcome.",
	}, []string{"outcome"})

	activityMergedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "devorbit",
		Subsystem: "merge",
		Name:      "last_activity_written_timestamp_seconds",
		Help:      "Unix timestamp of the most recent record create or merge.",
	})

	batchSizeHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "devorbit",
		Subsystem: "merge",
		Name:      "batch_size",
		Help:      "Number of observations per batch submission.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(mergeOutcomeCounter, activityMergedGauge, batchSizeHistogram)
}

// RecordMergeOutcome counts one processed observation by outcome.
func RecordMergeOutcome(outcome string) {
	mergeOutcomeCounter.WithLabelValues(outcome).Inc()
}

// RecordActivityMerged updates the write watermark gauge.
func RecordActivityMerged(ts time.Time) {
	if ts.IsZero() {
		return
	}
	activityMergedGauge.Set(float64(ts.Unix()))
}

// RecordBatchSize observes the size of a batch submission.
func RecordBatchSize(n int) {
	batchSizeHistogram.Observe(float64(n))
}
