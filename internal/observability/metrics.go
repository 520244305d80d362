package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors, registered on the default registry and exposed
// on /metrics by the API server.
var (
	// HTTPRequestsTotal counts handled API requests by route and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anivault_http_requests_total",
		Help: "Handled HTTP requests.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes per-route request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "anivault_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
	}, []string{"method", "route"})

	// ArchiveJobsTotal counts worker job outcomes.
	ArchiveJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anivault_archive_jobs_total",
		Help: "Archival jobs processed by outcome.",
	}, []string{"result"})
)
