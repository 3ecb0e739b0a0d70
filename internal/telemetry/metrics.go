package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_jobs_enqueued_total", Help: "Total fetch jobs enqueued"})
	JobsCompleted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_jobs_completed_total", Help: "Jobs that reached a terminal status"}, []string{"status"})
	AccountAttempts  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "broker_account_attempts_total", Help: "Per-account sub-pipeline attempts"}, []string{"outcome"})
	RetriesScheduled = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_retries_scheduled_total", Help: "Account retries scheduled with backoff"})
	BreakerTrips     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_breaker_trips_total", Help: "Circuit breaker trips escalating accounts to broken"})
	AlertsEmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_alerts_emitted_total", Help: "User-facing failure alerts emitted"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	ItemsFetched     = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_items_fetched_total", Help: "Messages fetched across all accounts"})
	ItemsProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "broker_items_processed_total", Help: "Messages processed across all accounts"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_jobs_inflight", Help: "Jobs currently leased by workers"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "broker_queue_depth", Help: "Ready queue depth"})

	AttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_account_attempt_duration_seconds",
		Help:    "Duration of one account sub-pipeline attempt",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			AccountAttempts,
			RetriesScheduled,
			BreakerTrips,
			AlertsEmitted,
			RateLimitRejects,
			ItemsFetched,
			ItemsProcessed,
			JobsInFlight,
			QueueDepthGauge,
			AttemptDuration,
		)
	})
	return promhttp.Handler()
}
