package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	CollectionsAccepted = prometheus.NewCounter(prometheus.CounterOpts{Name: "composites_collections_accepted_total", Help: "Collections accepted for processing"})
	MembersCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "composites_members_completed_total", Help: "Members that reached COMPLETED"})
	MembersErrored      = prometheus.NewCounter(prometheus.CounterOpts{Name: "composites_members_errored_total", Help: "Members that reached ERROR"})
	BatchesSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "composites_batches_submitted_total", Help: "Batches acknowledged by DLCS"})
	ImagesUploaded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "composites_images_uploaded_total", Help: "Page images pushed to object storage"})
	RateLimitRejects    = prometheus.NewCounter(prometheus.CounterOpts{Name: "composites_rate_limit_rejects_total", Help: "Submissions rejected by rate limiter"})
	QueueDepthGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "composites_queue_depth", Help: "Ready queue depth across priorities"})
	MembersInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "composites_members_inflight", Help: "Members currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			CollectionsAccepted,
			MembersCompleted,
			MembersErrored,
			BatchesSubmitted,
			ImagesUploaded,
			RateLimitRejects,
			QueueDepthGauge,
			MembersInFlight,
		)
	})
	return promhttp.Handler()
}
