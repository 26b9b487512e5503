// Package obsmetrics registers the Prometheus collectors shared across the
// service's components (scheduler, worker pool, pipeline) that aren't
// already scoped to their own package, e.g. internal/cache's Metrics.
// Mirrors the teacher's pattern of one promauto-backed Metrics struct per
// subsystem (pkg/history/cache's NewMetrics), generalized to this service.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors that don't belong to a single package.
type Metrics struct {
	PipelineDuration   *prometheus.HistogramVec
	PipelineRuns       *prometheus.CounterVec
	WorkerCrashes      prometheus.Counter
	SchedulerActive    prometheus.Gauge
	SchedulerRunsTotal *prometheus.CounterVec
}

// New registers the collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PipelineDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "calview",
			Subsystem: "pipeline",
			Name:      "duration_seconds",
			Help:      "End-to-end pipeline run duration by trigger.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"trigger"}),
		PipelineRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calview",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total pipeline runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		WorkerCrashes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "calview",
			Subsystem: "worker",
			Name:      "crashes_total",
			Help:      "Total render submissions that ended as WorkerCrashed: no readable result frame, or a failure frame the child left unclassified.",
		}),
		SchedulerActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "calview",
			Subsystem: "scheduler",
			Name:      "active_timers",
			Help:      "Number of configs with an active cron timer.",
		}),
		SchedulerRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "calview",
			Subsystem: "scheduler",
			Name:      "dispatched_total",
			Help:      "Total scheduler-dispatched WorkerPool submissions by reason.",
		}, []string{"reason"}),
	}
}
