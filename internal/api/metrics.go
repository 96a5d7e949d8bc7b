package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	submitAccepted       = "accepted"
	submitInvalid        = "invalid"
	submitDispatchFailed = "dispatch_failed"
	submitError          = "error"
)

type metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	inFlight    prometheus.Gauge
	rateLimited *prometheus.CounterVec
	submissions *prometheus.CounterVec
	uploadBytes *prometheus.HistogramVec
	resultURLs  *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &metrics{
		registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_requests_total",
			Help: "HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbflow_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "thumbflow_api_requests_in_flight",
			Help: "Requests currently being served.",
		}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiting.",
		}, []string{"route"}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_jobs_submitted_total",
			Help: "Thumbnail submissions by result.",
		}, []string{"result"}),
		uploadBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "thumbflow_api_upload_bytes",
			Help:    "Size of accepted source images.",
			Buckets: prometheus.ExponentialBuckets(16<<10, 4, 7),
		}, []string{"format"}),
		resultURLs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "thumbflow_api_thumbnail_urls_total",
			Help: "Thumbnail URL lookups by result.",
		}, []string{"result"}),
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeRequest(method, route string, status int, elapsed time.Duration) {
	m.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
