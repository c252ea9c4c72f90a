// Package metrics defines the Prometheus collectors a dash resolver process
// exposes over /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors bundles every collector this resolver publishes. Unlike the
// package-level var+init().MustRegister pattern, Collectors takes a
// prometheus.Registerer explicitly so tests can register into a private
// registry instead of the global default one.
type Collectors struct {
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions prometheus.Counter
	CacheScavenged prometheus.Counter

	PoolSize      prometheus.Gauge
	JobsServiced  *prometheus.GaugeVec
	PoolOverflows prometheus.Counter

	ResolveFailures *prometheus.CounterVec
	ResolveLatency  prometheus.Histogram
}

// New constructs a Collectors and registers every collector with reg.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_cache_hits_total",
			Help: "Cache lookups that found a live entry.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_cache_misses_total",
			Help: "Cache lookups that found no live entry.",
		}),
		CacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_cache_evictions_total",
			Help: "Entries evicted to make room for an insert.",
		}),
		CacheScavenged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_cache_scavenged_total",
			Help: "Expired entries removed by the background scavenger.",
		}),
		PoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dash_pool_workers",
			Help: "Current number of worker goroutines.",
		}),
		JobsServiced: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dash_pool_jobs_serviced",
			Help: "Jobs serviced in the worker's most recently published 60s window, labeled by worker id.",
		}, []string{"worker_id"}),
		PoolOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dash_pool_overflowed_total",
			Help: "Submissions dropped because the intake queue was full.",
		}),
		ResolveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dash_resolve_failures_total",
			Help: "Resolutions that ended in a synthesized failure reply, labeled by rcode.",
		}, []string{"rcode"}),
		ResolveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dash_resolve_duration_seconds",
			Help:    "Time spent resolving one client query, cache hit or miss.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	collectors := []prometheus.Collector{
		c.CacheHits, c.CacheMisses, c.CacheEvictions, c.CacheScavenged,
		c.PoolSize, c.JobsServiced, c.PoolOverflows,
		c.ResolveFailures, c.ResolveLatency,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Handler returns the HTTP handler to mount at /metrics for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
