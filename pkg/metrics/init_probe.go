package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initProbeMetrics() {
	r.ProbeResultsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcluster_probe_results_total",
			Help: "Readiness probe results by classified outcome",
		},
		[]string{"node", "outcome"},
	)

	r.ProbeRestartsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcluster_probe_restarts_total",
			Help: "Daemon restarts issued after a crashed probe",
		},
		[]string{"node"},
	)

	r.BarrierWaitSeconds = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgcluster_barrier_wait_seconds",
			Help:    "Time participants spent waiting at a barrier",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"barrier", "result"}, // ok, timeout, canceled
	)
}
