package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the process metrics on a private registry.
// All methods are safe on a nil *Collector.
type Collector struct {
	registry *prometheus.Registry

	running     prometheus.Gauge
	queued      prometheus.Gauge
	completed   prometheus.Counter
	opDuration  prometheus.Histogram
	requests    *prometheus.CounterVec
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
}

// NewCollector creates and registers every metric
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arq_scheduler_running",
			Help: "Operations currently occupying a scheduler slot",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "arq_scheduler_queued",
			Help: "Operations waiting for a free scheduler slot",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arq_scheduler_completed_total",
			Help: "Operations that finished, successfully or not",
		}),
		opDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "arq_scheduler_operation_seconds",
			Help:    "Time an operation held its slot",
			Buckets: prometheus.DefBuckets,
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "arq_gateway_requests_total",
			Help: "Gateway requests by endpoint and HTTP status",
		}, []string{"endpoint", "code"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arq_cache_hits_total",
			Help: "Immutable payloads served from the cache",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "arq_cache_misses_total",
			Help: "Immutable payloads fetched from the gateway",
		}),
	}

	c.registry.MustRegister(
		c.running,
		c.queued,
		c.completed,
		c.opDuration,
		c.requests,
		c.cacheHits,
		c.cacheMisses,
	)
	return c
}

// SetRunning records how many slots are occupied
func (c *Collector) SetRunning(n int) {
	if c == nil {
		return
	}
	c.running.Set(float64(n))
}

// SetQueued records the scheduler queue depth
func (c *Collector) SetQueued(n int) {
	if c == nil {
		return
	}
	c.queued.Set(float64(n))
}

// ObserveCompleted records one finished operation
func (c *Collector) ObserveCompleted(d time.Duration) {
	if c == nil {
		return
	}
	c.completed.Inc()
	c.opDuration.Observe(d.Seconds())
}

// ObserveRequest counts a gateway request. code 0 means a transport error.
func (c *Collector) ObserveRequest(endpoint string, code int) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// ObserveCache counts a cache lookup
func (c *Collector) ObserveCache(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheHits.Inc()
		return
	}
	c.cacheMisses.Inc()
}

// Registry exposes the underlying registry, mainly for tests
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
