package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics records request counts and latency per route.
type HTTPMetrics struct {
	requests        *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	ingestThrottled *prometheus.CounterVec
}

var (
	httpMetricsOnce sync.Once
	httpMetrics     *HTTPMetrics
)

// NewHTTPMetrics returns the process-wide HTTP metrics, registering them on first use.
func NewHTTPMetrics(cfg Config) *HTTPMetrics {
	httpMetricsOnce.Do(func() {
		httpMetrics = newHTTPMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return httpMetrics
}

// ResetHTTPMetricsForTest swaps the singleton for one backed by a private registry.
func ResetHTTPMetricsForTest() (*HTTPMetrics, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	httpMetricsOnce = sync.Once{}
	httpMetricsOnce.Do(func() {
		httpMetrics = newHTTPMetrics(registry, Config{Environment: "test"})
	})
	return httpMetrics, registry
}

func newHTTPMetrics(registerer prometheus.Registerer, cfg Config) *HTTPMetrics {
	constLabels := cfg.constLabels()

	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rewardsync_http_requests_total",
			Help:        "HTTP requests, by method, route and status code.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "rewardsync_http_request_duration_seconds",
			Help:        "HTTP request latency, by method and route.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
		ingestThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "rewardsync_ingest_throttled_total",
			Help:        "Reward event ingest requests rejected by the rate limiter.",
			ConstLabels: constLabels,
		}, []string{"provider"}),
	}

	registerer.MustRegister(m.requests, m.duration, m.ingestThrottled)
	return m
}

func (m *HTTPMetrics) IncIngestThrottled(providerID string) {
	if m == nil {
		return
	}
	m.ingestThrottled.WithLabelValues(providerID).Inc()
}

// GinMiddleware observes every request. Unmatched routes share the "unknown" label
// so scanners cannot blow up series cardinality.
func GinMiddleware(m *HTTPMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		method := c.Request.Method
		m.requests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
