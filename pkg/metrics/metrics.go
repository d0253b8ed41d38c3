package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics for the orchestrator
type Registry struct {
	// Readiness
	ProbeResultsTotal  *prometheus.CounterVec
	ProbeRestartsTotal *prometheus.CounterVec

	// Synchronization
	BarrierWaitSeconds *prometheus.HistogramVec

	// Replica bootstrap
	BootstrapDuration *prometheus.HistogramVec

	// Node lifecycle
	NodePhase        *prometheus.GaugeVec
	PhaseTransitions *prometheus.CounterVec
	NodeFaultsTotal  *prometheus.CounterVec
	SetupDuration    *prometheus.HistogramVec
	TeardownDuration prometheus.Histogram

	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{registry: reg}
	r.initProbeMetrics()
	r.initLifecycleMetrics()
	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
