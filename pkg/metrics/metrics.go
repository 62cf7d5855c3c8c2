// Package metrics declares the Prometheus instruments of the index
package metrics

import (
	"net/http"
	"time"

	"github.com/kass/go-smt-index/pkg/aggregate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var durationBuckets = []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000}

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smt_requests_total",
		Help: "Total number of queries and tiles evaluated, by kind and outcome",
	}, []string{"kind", "outcome"})
	RequestDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "smt_request_duration_ms",
		Help:    "Query and tile evaluation duration in milliseconds",
		Buckets: durationBuckets,
	}, []string{"kind"})
	PoolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "smt_pool_in_use",
		Help: "Query workers currently busy",
	})
	PixelUnionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smt_pixel_unions_total",
		Help: "Per-pixel unions computed, by whether the pixel saturated",
	}, []string{"saturated"})
	UnionMerges = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "smt_pixel_union_merges",
		Help:    "Pairwise merges performed by one per-pixel union",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 500},
	})
	BuildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smt_builds_total",
		Help: "Store builds by outcome",
	}, []string{"outcome"})
	BuildDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "smt_build_duration_seconds",
		Help:    "Store build duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})
	StoreFeatures = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "smt_store_rows",
		Help: "Rows of the published store generation",
	}, []string{"table"})
	CacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smt_cache_hits_total",
		Help: "Response cache hits by backend",
	}, []string{"backend"})
	CacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "smt_cache_misses_total",
		Help: "Response cache misses by backend",
	}, []string{"backend"})
)

func init() {
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDurationMs)
	prometheus.MustRegister(PoolInUse)
	prometheus.MustRegister(PixelUnionsTotal)
	prometheus.MustRegister(UnionMerges)
	prometheus.MustRegister(BuildsTotal)
	prometheus.MustRegister(BuildDurationSeconds)
	prometheus.MustRegister(StoreFeatures)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
}

// Outcome labels
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeCanceled = "canceled"
)

// ObserveRequest records one query or tile evaluation
func ObserveRequest(kind string, start time.Time, outcome string) {
	RequestsTotal.WithLabelValues(kind, outcome).Inc()
	RequestDurationMs.WithLabelValues(kind).Observe(float64(time.Since(start).Milliseconds()))
}

// ObserveUnion records one per-pixel union
func ObserveUnion(res *aggregate.UnionResult) {
	saturated := "false"
	if res.Saturated {
		saturated = "true"
	}
	PixelUnionsTotal.WithLabelValues(saturated).Inc()
	UnionMerges.Observe(float64(res.Merges))
}

// Handler serves the registered metrics
func Handler() http.Handler { return promhttp.Handler() }
