// Package metrics exposes the Prometheus collectors for Flasharr's
// engine, scheduler, and transfer subsystems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flasharr",
		Name:      "tasks_by_state",
		Help:      "Number of tasks currently in each lifecycle state.",
	}, []string{"state"})

	TransferBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flasharr",
		Name:      "transfer_bytes_total",
		Help:      "Total bytes fetched from the host, by task.",
	}, []string{"task_id"})

	TransferSpeedBytesPerSecond = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flasharr",
		Name:      "transfer_speed_bytes_per_second",
		Help:      "Observed per-task transfer speed samples.",
		Buckets:   prometheus.ExponentialBuckets(1<<10, 4, 12),
	})

	SchedulerAdmissionLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "flasharr",
		Name:      "scheduler_admission_latency_seconds",
		Help:      "Time a task spends Queued before admission.",
		Buckets:   prometheus.DefBuckets,
	})

	AccountQuotaRemainingBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flasharr",
		Name:      "account_quota_remaining_bytes",
		Help:      "Remaining daily quota for each pooled account.",
	}, []string{"account_email"})

	AccountInFlightLeases = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flasharr",
		Name:      "account_in_flight_leases",
		Help:      "Number of active leases held against each account.",
	}, []string{"account_email"})

	EventSubscriberOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "flasharr",
		Name:      "event_subscriber_overruns_total",
		Help:      "Number of event bus subscriptions torn down for overrun.",
	})
)

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
