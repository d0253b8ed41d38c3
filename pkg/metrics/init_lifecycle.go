package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLifecycleMetrics() {
	r.BootstrapDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgcluster_bootstrap_duration_seconds",
			Help:    "Replica bootstrap duration including the wait for the copy slot",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"node", "result"},
	)

	r.NodePhase = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgcluster_node_phase",
			Help: "Current lifecycle phase per node (1 for the current phase)",
		},
		[]string{"node", "phase"},
	)

	r.PhaseTransitions = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcluster_phase_transitions_total",
			Help: "Lifecycle phase transitions by target phase",
		},
		[]string{"phase"},
	)

	r.NodeFaultsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcluster_node_faults_total",
			Help: "Faults that stopped a node's sequence, by kind",
		},
		[]string{"node", "kind"},
	)

	r.SetupDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgcluster_setup_duration_seconds",
			Help:    "Whole-cluster setup duration",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"result"},
	)

	r.TeardownDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgcluster_teardown_duration_seconds",
			Help:    "Whole-cluster teardown duration",
			Buckets: []float64{1, 5, 15, 30, 60, 120},
		},
	)
}
