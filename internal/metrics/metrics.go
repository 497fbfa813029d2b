// Package metrics holds Prometheus collectors of pools and scan jobs. All
// collectors are registered to the default registry on package load.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inspector"

var (
	// Pool metrics, labelled by pool name.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Number of jobs waiting to be started, including a job held at the pause gate",
	}, []string{"pool"})
	ActiveJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "active_jobs",
		Help:      "Number of jobs currently running",
	}, []string{"pool"})
	Paused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "paused",
		Help:      "1 if the pool is paused",
	}, []string{"pool"})
	Rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "rejected_total",
		Help:      "Total number of rejected submissions",
	}, []string{"pool"})
	Panics = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "panics_total",
		Help:      "Total number of recovered job panics",
	}, []string{"pool"})

	// Job metrics, labelled by job family.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Total number of finished scan jobs by status",
	}, []string{"family", "status"})
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Time from job start to cleanup",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"family"})
	Violations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "violations_total",
		Help:      "Total number of reported violations",
	}, []string{"family"})
	Skipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "skipped_total",
		Help:      "Total number of submissions skipped for a missing or empty rule set",
	}, []string{"family"})
)

// ObserveJob records a finished job.
func ObserveJob(family, status string, took time.Duration, violations int) {
	JobsFinished.WithLabelValues(family, status).Inc()
	JobDuration.WithLabelValues(family).Observe(took.Seconds())
	Violations.WithLabelValues(family).Add(float64(violations))
}

func Handler() http.Handler {
	return promhttp.Handler()
}
