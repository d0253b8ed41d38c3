// Package orchestrator drives every node of a cluster through install,
// initialization, replica bootstrap, start and teardown, keeping the nodes
// phase-synchronized with two barriers per run.
//
// One goroutine runs each node's sequence. A fault stops only the node that
// hit it; siblings carry on and observe the missing node as a barrier
// timeout. The orchestrator is the only writer of node phases: collaborators
// report outcomes and the orchestrator applies the transitions, publishing
// each one to observers and to the run store.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pgcluster/pkg/barrier"
	"pgcluster/pkg/bootstrap"
	"pgcluster/pkg/cluster"
	"pgcluster/pkg/faketime"
	"pgcluster/pkg/probe"
	"pgcluster/pkg/remote"
	"pgcluster/storage"
)

// Database is the per-node recipe the orchestrator sequences.
type Database interface {
	bootstrap.Recipe
	Install(ctx context.Context, node cluster.Node, force bool) error
	Initialize(ctx context.Context, node cluster.Node) error
	Start(ctx context.Context, node cluster.Node) error
	Stop(ctx context.Context, node cluster.Node) error
	Kill(ctx context.Context, node cluster.Node) error
	Probe(node cluster.Node) probe.Probe
	Executables(node cluster.Node) []string
	LogFile(node cluster.Node) string
}

// Observer is told about every phase change and every node fault.
type Observer interface {
	PhaseChanged(node cluster.Node, from, to cluster.Phase)
	NodeFailed(node cluster.Node, kind string, err error)
}

// Metrics receives every observation the orchestrator and its collaborators make.
type Metrics interface {
	Observer
	probe.Recorder
	barrier.Recorder
	bootstrap.Recorder
	RecordSetup(result string, took time.Duration)
	RecordTeardown(took time.Duration)
}

// Options control one run.
type Options struct {
	ForceReinstall bool
	// FaketimeRatio skews every node's server clock; zero runs unwrapped.
	FaketimeRatio float64
	// FaketimeBase is the epoch wrapped servers start from; zero means setup time.
	FaketimeBase time.Time

	InstallTimeout   time.Duration
	InitTimeout      time.Duration
	BootstrapTimeout time.Duration
	BarrierTimeout   time.Duration
	StopTimeout      time.Duration
	TeardownTimeout  time.Duration
	Readiness        probe.Spec
}

// DefaultOptions returns the timeouts used when none are configured.
func DefaultOptions() Options {
	return Options{
		InstallTimeout:   10 * time.Minute,
		InitTimeout:      2 * time.Minute,
		BootstrapTimeout: 10 * time.Minute,
		BarrierTimeout:   15 * time.Minute,
		StopTimeout:      time.Minute,
		TeardownTimeout:  2 * time.Minute,
		Readiness: probe.Spec{
			MaxDuration:      2 * time.Minute,
			PollInterval:     time.Second,
			MaxRestarts:      3,
			UnknownWarnAfter: 10,
			StartGrace:       15 * time.Second,
		},
	}
}

type nodeState struct {
	phase   cluster.Phase
	fault   error
	updated time.Time
}

// Orchestrator owns the topology and the phase of every node for one run.
type Orchestrator struct {
	topo     cluster.Topology
	db       Database
	opts     Options
	log      zerolog.Logger
	injector *faketime.Injector
	clocks   *faketime.Table
	probes   *probe.Controller
	boot     *bootstrap.Bootstrapper
	barriers *barrier.Registry
	runs     *storage.RunStore
	metrics  Metrics

	mu        sync.Mutex
	runID     string
	started   bool
	startedAt time.Time
	nodes     map[string]*nodeState
	observers []Observer
}

// New resolves the topology from specs and prepares a run. leader selects the
// leader node; empty means the first node. No command runs when the topology
// is invalid.
func New(specs []cluster.Spec, leader string, db Database, exec remote.Executor, opts Options, log zerolog.Logger) (*Orchestrator, error) {
	topo, err := cluster.Resolve(specs, leader)
	if err != nil {
		return nil, errors.Wrap(err, "resolve topology")
	}
	o := &Orchestrator{
		topo:     topo,
		db:       db,
		opts:     opts,
		log:      log.With().Str("component", "orchestrator").Logger(),
		injector: faketime.NewInjector(exec, log),
		clocks:   faketime.NewTable(),
		probes:   probe.NewController(exec, log),
		boot:     bootstrap.New(db, log),
		barriers: barrier.NewRegistry(),
		nodes:    make(map[string]*nodeState, topo.Len()),
	}
	now := time.Now()
	for _, n := range topo.Nodes() {
		o.nodes[n.ID] = &nodeState{phase: cluster.PhaseUninstalled, updated: now}
	}
	return o, nil
}

// SetRunStore persists run and node records to rs.
func (o *Orchestrator) SetRunStore(rs *storage.RunStore) { o.runs = rs }

// SetMetrics wires m into the orchestrator and every collaborator.
func (o *Orchestrator) SetMetrics(m Metrics) {
	o.metrics = m
	o.probes.SetRecorder(m)
	o.barriers.SetRecorder(m)
	o.boot.SetRecorder(m)
	o.AddObserver(m)
}

// AddObserver registers obs for phase changes and faults.
func (o *Orchestrator) AddObserver(obs Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, obs)
}

// Topology returns the resolved topology.
func (o *Orchestrator) Topology() cluster.Topology { return o.topo }

// RunID returns the current run's ID, empty before Setup.
func (o *Orchestrator) RunID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID
}

// Phase returns node id's current phase.
func (o *Orchestrator) Phase(id string) (cluster.Phase, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.nodes[id]
	if !ok {
		return cluster.PhaseUninstalled, false
	}
	return st.phase, true
}

// LogFiles returns the daemon log path of every node.
func (o *Orchestrator) LogFiles() map[string]string {
	out := make(map[string]string, o.topo.Len())
	for _, n := range o.topo.Nodes() {
		out[n.ID] = o.db.LogFile(n)
	}
	return out
}

// SkewClock binds node id's server binaries to run at rate × real time from
// the next start. A rate of zero removes the skew.
func (o *Orchestrator) SkewClock(id string, base time.Time, rate float64) error {
	node, ok := o.topo.Node(id)
	if !ok {
		return errors.Wrap(cluster.ErrNodeNotFound, id)
	}
	for _, exe := range o.db.Executables(node) {
		if rate == 0 {
			o.clocks.Clear(node.ID, exe)
			continue
		}
		if err := o.clocks.Bind(node.ID, exe, base, rate); err != nil {
			return err
		}
	}
	return nil
}

// transition moves node to phase to, notifying observers and the run store.
func (o *Orchestrator) transition(ctx context.Context, node cluster.Node, to cluster.Phase) error {
	o.mu.Lock()
	st := o.nodes[node.ID]
	from := st.phase
	if !cluster.CanTransition(node.Role, from, to) {
		o.mu.Unlock()
		return errors.Wrapf(cluster.ErrBadTransition, "%s: %s -> %s", node.ID, from, to)
	}
	st.phase = to
	st.updated = time.Now()
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()

	o.log.Debug().Str("node", node.ID).Str("from", from.String()).Str("to", to.String()).Msg("phase changed")
	for _, obs := range observers {
		obs.PhaseChanged(node, from, to)
	}
	o.persist(ctx, node)
	return nil
}

// fail records err as the fault that stopped node's sequence.
func (o *Orchestrator) fail(ctx context.Context, node cluster.Node, err error) {
	o.mu.Lock()
	st := o.nodes[node.ID]
	st.fault = err
	st.updated = time.Now()
	phase := st.phase
	observers := append([]Observer(nil), o.observers...)
	o.mu.Unlock()

	kind := FaultKind(err)
	o.log.Error().Err(err).Str("node", node.ID).Str("role", string(node.Role)).
		Str("phase", phase.String()).Str("kind", kind).Msg("node sequence stopped")
	for _, obs := range observers {
		obs.NodeFailed(node, kind, err)
	}
	o.persist(ctx, node)
}

func (o *Orchestrator) persist(ctx context.Context, node cluster.Node) {
	runID := o.RunID()
	if o.runs == nil || runID == "" {
		return
	}
	rep := o.nodeReport(node)
	rec := storage.NodeRecord{
		Node:      node.ID,
		Role:      string(node.Role),
		Phase:     rep.Phase.String(),
		LogFile:   rep.LogFile,
		UpdatedAt: rep.UpdatedAt,
	}
	if rep.Fault != nil {
		rec.Fault = rep.Fault.Error()
	}
	// Persistence must not fail a node whose own context expired.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.runs.SaveNode(sctx, runID, rec); err != nil {
		o.log.Warn().Err(err).Str("node", node.ID).Msg("persist node record")
	}
}
