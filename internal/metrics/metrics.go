// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the server records into.
type Metrics struct {
	Registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	Builds        *prometheus.CounterVec
	SearchQueries prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "locomote_http_requests_total",
			Help: "HTTP requests by endpoint and status.",
		}, []string{"endpoint", "status"}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "locomote_pipeline_cache_hits_total",
			Help: "Requests answered from an existing pipeline artifact.",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "locomote_pipeline_cache_misses_total",
			Help: "Requests that produced a new pipeline artifact.",
		}),
		Builds: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "locomote_builds_total",
			Help: "External build completions by result.",
		}, []string{"result"}),
		SearchQueries: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "locomote_search_query_seconds",
			Help:    "Search query latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// CacheHit and CacheMiss satisfy the pipeline's cache observer.
func (m *Metrics) CacheHit()  { m.CacheHits.Inc() }
func (m *Metrics) CacheMiss() { m.CacheMisses.Inc() }

// BuildResult satisfies the builder's observer; result is "success" or
// "failure".
func (m *Metrics) BuildResult(result string) {
	m.Builds.WithLabelValues(result).Inc()
}
