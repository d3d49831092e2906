// Package metrics provides Prometheus collectors for HTTP traffic and deletion outcomes.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

// Collectors groups every metric the service exposes on one registry.
type Collectors struct {
	registry             *prometheus.Registry
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge
	deletionsTotal       *prometheus.CounterVec
	blobPurgeFailures    *prometheus.CounterVec
}

// New registers the collectors on a fresh registry together with the Go and process collectors.
func New() *Collectors {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Collectors{
		registry: registry,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),
		deletionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formdesk_deletions_total",
				Help: "Deletion requests by operation and terminal outcome",
			},
			[]string{"operation", "outcome"},
		),
		blobPurgeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formdesk_blob_purge_failures_total",
				Help: "Attachment blobs that could not be removed during deletion",
			},
			[]string{"operation"},
		),
	}
}

// Registry exposes the underlying registry for gathering.
func (c *Collectors) Registry() *prometheus.Registry {
	return c.registry
}

// RecordDeletion counts one terminal deletion outcome.
func (c *Collectors) RecordDeletion(operation, outcome string) {
	c.deletionsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordBlobPurgeFailures adds failed blob deletes for operation.
func (c *Collectors) RecordBlobPurgeFailures(operation string, count int) {
	c.blobPurgeFailures.WithLabelValues(operation).Add(float64(count))
}

// Middleware records request counts, latency and in-flight requests keyed by route pattern.
func (c *Collectors) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		c.httpRequestsInFlight.Inc()
		defer c.httpRequestsInFlight.Dec()

		ctx.Next()

		// route pattern avoids high cardinality
		path := ctx.FullPath()
		if path == "" {
			path = unmatchedRoute
		}
		method := ctx.Request.Method
		status := strconv.Itoa(ctx.Writer.Status())

		c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		c.httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
