package fetcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheErrors prometheus.Counter
	joins       prometheus.Counter
	requests    *prometheus.CounterVec
	retries     *prometheus.CounterVec
	limiterWait prometheus.Histogram
}

// newMetrics creates the client metrics. A nil reg leaves them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		cacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cache_hits_total",
			Help: "Fetches served from the cache",
		}),
		cacheMisses: f.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cache_misses_total",
			Help: "Fetches that missed the cache",
		}),
		cacheErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "fetch_cache_errors_total",
			Help: "Failed cache reads and writes",
		}),
		joins: f.NewCounter(prometheus.CounterOpts{
			Name: "fetch_inflight_joins_total",
			Help: "Fetches that joined an in-flight upstream call",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_upstream_requests_total",
			Help: "Upstream requests by outcome",
		}, []string{"outcome"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "fetch_retries_total",
			Help: "Retries by error kind",
		}, []string{"kind"}),
		limiterWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "fetch_limiter_wait_seconds",
			Help:    "Time spent waiting for a rate limit token",
			Buckets: []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
	}
}
