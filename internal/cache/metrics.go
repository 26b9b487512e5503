package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments the two-tier cache, mirroring the shape the pack's
// history cache manager uses for its own L1/L2 tiers.
type Metrics struct {
	Hits      *prometheus.CounterVec
	Misses    *prometheus.CounterVec
	Errors    *prometheus.CounterVec
	Evictions prometheus.Counter
	Size      *prometheus.GaugeVec
}

// NewMetrics registers the cache's Prometheus collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Hits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calview",
			Subsystem: "image_cache",
			Name:      "hits_total",
			Help:      "Total number of image cache hits by tier.",
		}, []string{"tier"}),
		Misses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calview",
			Subsystem: "image_cache",
			Name:      "misses_total",
			Help:      "Total number of image cache misses by tier.",
		}, []string{"tier"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calview",
			Subsystem: "image_cache",
			Name:      "errors_total",
			Help:      "Total number of image cache errors by operation.",
		}, []string{"op"}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "calview",
			Subsystem: "image_cache",
			Name:      "evictions_total",
			Help:      "Total number of in-memory tier evictions.",
		}),
		Size: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "calview",
			Subsystem: "image_cache",
			Name:      "entries",
			Help:      "Number of entries currently held by a cache tier.",
		}, []string{"tier"}),
	}
}
