package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pgcluster/pkg/barrier"
	"pgcluster/pkg/bootstrap"
	"pgcluster/pkg/cluster"
	"pgcluster/pkg/probe"
)

var (
	_ probe.Recorder     = (*Registry)(nil)
	_ barrier.Recorder   = (*Registry)(nil)
	_ bootstrap.Recorder = (*Registry)(nil)
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.GetPrometheusRegistry())
	assert.NotNil(t, r.ProbeResultsTotal)
	assert.NotNil(t, r.BarrierWaitSeconds)
	assert.NotNil(t, r.NodePhase)

	// Registries are independent.
	r2 := NewRegistry()
	r.RecordRestart("n1")
	assert.Equal(t, 0.0, testutil.ToFloat64(r2.ProbeRestartsTotal.WithLabelValues("n1")))
}

func TestProbeAndRestartCounters(t *testing.T) {
	r := NewRegistry()
	r.RecordProbe("n1", "starting")
	r.RecordProbe("n1", "starting")
	r.RecordProbe("n1", "ready")
	r.RecordRestart("n1")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.ProbeResultsTotal.WithLabelValues("n1", "starting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProbeResultsTotal.WithLabelValues("n1", "ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ProbeRestartsTotal.WithLabelValues("n1")))
}

func TestBarrierLabelDropsRunID(t *testing.T) {
	r := NewRegistry()
	r.RecordBarrier("6f1c/post-init", "ok", time.Second)
	r.RecordBarrier("9a2b/post-init", "timeout", 2*time.Second)
	assert.Equal(t, 2, testutil.CollectAndCount(r.BarrierWaitSeconds))
}

func TestPhaseGaugeTracksCurrentPhase(t *testing.T) {
	r := NewRegistry()
	n := cluster.Node{ID: "n2", Role: cluster.RoleReplica}
	r.PhaseChanged(n, cluster.PhaseUninstalled, cluster.PhaseInstalled)
	r.PhaseChanged(n, cluster.PhaseInstalled, cluster.PhaseBootstrapped)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.NodePhase.WithLabelValues("n2", "bootstrapped")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.NodePhase.WithLabelValues("n2", "installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.PhaseTransitions.WithLabelValues("bootstrapped")))

	r.NodeFailed(n, "bootstrap", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(r.NodeFaultsTotal.WithLabelValues("n2", "bootstrap")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry()
	r.RecordBootstrap("n2", "ok", 3*time.Second)
	r.RecordSetup("ok", time.Minute)
	r.RecordTeardown(time.Second)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{
		"pgcluster_bootstrap_duration_seconds",
		"pgcluster_setup_duration_seconds",
		"pgcluster_teardown_duration_seconds",
		"go_goroutines",
	} {
		assert.True(t, strings.Contains(body, name), name)
	}
}
