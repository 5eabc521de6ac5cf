package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "transfer_tasks_enqueued_total", Help: "Total tasks admitted to the scheduler"})
	TaskCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transfer_tasks_completed_total", Help: "Tasks that finished successfully"})
	TaskFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "transfer_tasks_failed_total", Help: "Tasks that finished with an error"})
	TaskCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "transfer_tasks_cancelled_total", Help: "Tasks cancelled before they started"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transfer_queue_depth", Help: "Pending tasks in the scheduler"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transfer_tasks_inflight", Help: "Tasks currently executing"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "transfer_submit_rate_limit_rejects_total", Help: "Submissions rejected by the per-user bucket"})
	ThrottleEvents   = prometheus.NewCounter(prometheus.CounterOpts{Name: "transfer_throttle_events_total", Help: "Throttling signals received from the platform"})
	AdaptiveRate     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "transfer_adaptive_rate", Help: "Current adaptive request rate in tokens per second"})
	QuotaDenials     = prometheus.NewCounter(prometheus.CounterOpts{Name: "transfer_quota_denials_total", Help: "Transfers refused by the quota ledger"})
	TransferBytes    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "transfer_bytes_total", Help: "Bytes moved by successful transfers"}, []string{"direction"})
	FallbackUploads  = prometheus.NewCounter(prometheus.CounterOpts{Name: "transfer_fallback_uploads_total", Help: "Deliveries routed through the chunked fallback transport"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			TaskCompleted,
			TaskFailed,
			TaskCancelled,
			QueueDepthGauge,
			InFlightGauge,
			RateLimitRejects,
			ThrottleEvents,
			AdaptiveRate,
			QuotaDenials,
			TransferBytes,
			FallbackUploads,
		)
	})
	return promhttp.Handler()
}
