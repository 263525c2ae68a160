package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_jobs_submitted_total", Help: "Generation jobs accepted by the gateway"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_jobs_succeeded_total", Help: "Jobs that produced an artifact"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "comics_jobs_failed_total", Help: "Jobs that failed terminally"}, []string{"kind"})
	BackendRetries   = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_backend_retries_total", Help: "Generative backend calls retried"})
	SanitizeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "comics_sanitize_failures_total", Help: "Backend responses rejected by the sanitizer"}, []string{"kind"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "comics_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "comics_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "comics_jobs_inflight", Help: "Jobs currently leased by workers"})
	RoomSubscribers  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "comics_room_subscribers", Help: "Live task room subscriptions"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsSucceeded,
			JobsFailed,
			BackendRetries,
			SanitizeFailures,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			RoomSubscribers,
		)
	})
	return promhttp.Handler()
}
