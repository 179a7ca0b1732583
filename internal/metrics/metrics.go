package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_batches_total",
			Help: "Total number of submitted batches by admission result.",
		},
		[]string{"result"}, // accepted, rejected, duplicate
	)

	RejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_batch_rejections_total",
			Help: "Total number of rejected batches by reason.",
		},
		[]string{"reason"}, // empty_batch, batch_too_large, empty_content, past_due, not_accepting
	)

	ItemsScheduledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborpost_items_scheduled_total",
			Help: "Total number of items handed to dispatch units.",
		},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_dispatches_total",
			Help: "Total number of dispatch attempts by status and failure reason.",
		},
		[]string{"status", "reason"},
	)

	DispatchLagSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "harborpost_dispatch_lag_seconds",
			Help:    "Delay between an item's fire-at instant and the start of its send.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	SendLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborpost_send_latency_seconds",
			Help:    "Latency of send calls to the posting provider.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	DispatchInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harborpost_dispatch_inflight",
			Help: "Dispatch units currently waiting or sending.",
		},
	)

	BatchesCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborpost_batches_completed_total",
			Help: "Total number of batches whose every item reported done.",
		},
	)

	ShutdownsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborpost_shutdowns_total",
			Help: "Supervisor transitions to terminating by reason.",
		},
		[]string{"reason"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		BatchesTotal,
		RejectionsTotal,
		ItemsScheduledTotal,
		DispatchesTotal,
		DispatchLagSeconds,
		SendLatencySeconds,
		DispatchInflight,
		BatchesCompletedTotal,
		ShutdownsTotal,
	)
}

// RecordBatch counts one admission decision
func RecordBatch(result string) {
	BatchesTotal.WithLabelValues(result).Inc()
}

// RecordRejection counts a rejected batch and its reason
func RecordRejection(reason string) {
	BatchesTotal.WithLabelValues("rejected").Inc()
	RejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordScheduled counts items handed to dispatch units
func RecordScheduled(n int) {
	ItemsScheduledTotal.Add(float64(n))
}

// RecordDispatch records the outcome of a single send attempt
func RecordDispatch(status, reason string, lag, latency time.Duration) {
	DispatchesTotal.WithLabelValues(status, reason).Inc()
	DispatchLagSeconds.Observe(lag.Seconds())
	SendLatencySeconds.WithLabelValues(status).Observe(latency.Seconds())
}

// DispatchStarted and DispatchFinished bracket a unit's lifetime
func DispatchStarted()  { DispatchInflight.Inc() }
func DispatchFinished() { DispatchInflight.Dec() }

// RecordBatchCompleted counts a batch whose tracker reached zero
func RecordBatchCompleted() {
	BatchesCompletedTotal.Inc()
}

// RecordShutdown counts a supervisor stop by reason
func RecordShutdown(reason string) {
	ShutdownsTotal.WithLabelValues(reason).Inc()
}
