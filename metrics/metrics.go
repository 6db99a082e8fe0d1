// Package metrics defines the driver's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Outcome label values.
const (
	Ok   = "ok"
	Fail = "fail"
)

var (
	// QueueDepth tracks queued requests by priority.
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lane_queue_depth",
		Help: "Number of queued requests, by priority.",
	}, []string{"priority"})

	// QueueRejectedTotal counts requests rejected because the queue was full.
	QueueRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lane_queue_rejected_total",
		Help: "Cumulative number of requests rejected with QUEUE_FULL.",
	})

	// QueueExpiredTotal counts queued requests which aged past their timeout
	// before dispatch.
	QueueExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lane_queue_expired_total",
		Help: "Cumulative number of queued requests expired before dispatch.",
	})

	// RequestsTotal counts executed requests by method and outcome.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lane_requests_total",
		Help: "Cumulative number of executed requests, by method and outcome.",
	}, []string{"method", "outcome"})

	// RequestDurationSeconds observes per-request execution latency.
	RequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "lane_request_duration_seconds",
		Help: "Worker execution latency of requests, by method.",
	}, []string{"method"})

	// DroppedResultsTotal counts late results dropped because their caller
	// had already timed out and abandoned the wait.
	DroppedResultsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lane_dropped_results_total",
		Help: "Cumulative number of late results dropped for abandoned requests.",
	})

	// SaveFailuresTotal counts atomic-save failures by stage.
	SaveFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lane_save_failures_total",
		Help: "Cumulative number of atomic-save failures, by failing stage.",
	}, []string{"stage"})
)

// MustRegister registers all driver collectors with |r|.
func MustRegister(r *prometheus.Registry) {
	r.MustRegister(
		QueueDepth,
		QueueRejectedTotal,
		QueueExpiredTotal,
		RequestsTotal,
		RequestDurationSeconds,
		DroppedResultsTotal,
		SaveFailuresTotal,
	)
}
