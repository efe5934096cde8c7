package offline

import "github.com/prometheus/client_golang/prometheus"

// QueueLength is the number of items in each queue.
var QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "eventual",
	Subsystem: "offline_queue",
	Name:      "length",
}, []string{"key"})

// QueueEnqueued counts enqueue calls by action and whether the item was
// appended or replaced a queued one.
var QueueEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "eventual",
	Subsystem: "offline_queue",
	Name:      "enqueued",
}, []string{"key", "action", "result"})

// QueueSendResults counts replay attempts by action and outcome.
var QueueSendResults = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "eventual",
	Subsystem: "offline_queue",
	Name:      "send_results",
}, []string{"key", "action", "result"})

// QueueSendDuration observes the latency of each replayed request.
var QueueSendDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "eventual",
	Subsystem: "offline_queue",
	Name:      "send_duration_seconds",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
}, []string{"key"})

// Collectors returns the queue metrics for registration by the host.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{QueueLength, QueueEnqueued, QueueSendResults, QueueSendDuration}
}

const (
	resultAppended = "appended"
	resultReplaced = "replaced"
	resultSent     = "sent"
	resultRetained = "retained"
	resultRejected = "rejected"
)
