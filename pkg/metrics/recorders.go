package metrics

import (
	"path"
	"time"

	"pgcluster/pkg/cluster"
)

// RecordProbe counts one classified probe result.
func (r *Registry) RecordProbe(node, outcome string) {
	r.ProbeResultsTotal.WithLabelValues(node, outcome).Inc()
}

// RecordRestart counts one daemon restart.
func (r *Registry) RecordRestart(node string) {
	r.ProbeRestartsTotal.WithLabelValues(node).Inc()
}

// RecordBarrier observes one participant's wait. Run-scoped names are reduced
// to their last element to keep label cardinality bounded.
func (r *Registry) RecordBarrier(name, result string, waited time.Duration) {
	r.BarrierWaitSeconds.WithLabelValues(path.Base(name), result).Observe(waited.Seconds())
}

// RecordBootstrap observes one replica bootstrap.
func (r *Registry) RecordBootstrap(node, result string, took time.Duration) {
	r.BootstrapDuration.WithLabelValues(node, result).Observe(took.Seconds())
}

// PhaseChanged moves node's phase gauge.
func (r *Registry) PhaseChanged(node cluster.Node, from, to cluster.Phase) {
	for _, p := range cluster.Phases() {
		v := 0.0
		if p == to {
			v = 1
		}
		r.NodePhase.WithLabelValues(node.ID, p.String()).Set(v)
	}
	r.PhaseTransitions.WithLabelValues(to.String()).Inc()
}

// NodeFailed counts a fault that stopped node's sequence.
func (r *Registry) NodeFailed(node cluster.Node, kind string, err error) {
	r.NodeFaultsTotal.WithLabelValues(node.ID, kind).Inc()
}

// RecordSetup observes a whole-cluster setup.
func (r *Registry) RecordSetup(result string, took time.Duration) {
	r.SetupDuration.WithLabelValues(result).Observe(took.Seconds())
}

// RecordTeardown observes a whole-cluster teardown.
func (r *Registry) RecordTeardown(took time.Duration) {
	r.TeardownDuration.Observe(took.Seconds())
}
