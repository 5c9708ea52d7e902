package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the coordinator's Prometheus instrumentation. A single
// instance is created per process and threaded through the components that
// report state transitions, mirroring the "no global mutable state beyond
// per-request scope and the sweeper timer" guidance in spec.md §9.
type Metrics struct {
	JobsByStatus   *prometheus.GaugeVec
	NodesOnline    prometheus.Gauge
	LeasesExpired  prometheus.Counter
	JobsSubmitted  prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     prometheus.Counter
	SweepsRun      prometheus.Counter
	ChunksIngested prometheus.Counter
}

// NewMetrics registers the coordinator's metrics against reg. Pass
// prometheus.NewRegistry() in tests to avoid collisions with the default
// global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		JobsByStatus: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "jobs_by_status",
			Help:      "Current number of jobs in each lifecycle status.",
		}, []string{"status"}),
		NodesOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "coordinator",
			Name:      "nodes_online",
			Help:      "Current number of nodes considered online.",
		}),
		LeasesExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "leases_expired_total",
			Help:      "Total leases reclaimed by the sweeper.",
		}),
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "jobs_submitted_total",
			Help:      "Total jobs submitted.",
		}),
		JobsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "jobs_completed_total",
			Help:      "Total jobs completed successfully.",
		}),
		JobsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "jobs_failed_total",
			Help:      "Total jobs that transitioned to failed.",
		}),
		SweepsRun: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "sweeps_total",
			Help:      "Total sweeper passes run.",
		}),
		ChunksIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "chunks_ingested_total",
			Help:      "Total result chunks stored.",
		}),
	}
}
