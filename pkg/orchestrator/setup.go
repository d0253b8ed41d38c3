package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pgcluster/pkg/cluster"
	"pgcluster/storage"
)

// Barrier names, prefixed with the run ID.
const (
	PostInit  = "post-init"
	PostStart = "post-start"
)

// Setup brings every node to Running: install everywhere, initialize and
// start the leader, wait at post-init, bootstrap and start the replicas, wait
// at post-start. A node that faults stops there while its siblings continue.
// The returned report is complete even when the error is ErrIncomplete.
func (o *Orchestrator) Setup(ctx context.Context) (Report, error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return o.Report(), ErrAlreadySetup
	}
	start := time.Now()
	o.started = true
	o.startedAt = start
	o.runID = uuid.NewString()
	o.mu.Unlock()

	leader := o.topo.Leader()
	log := o.log.With().Str("run", o.runID).Logger()
	log.Info().Str("leader", leader.ID).Int("nodes", o.topo.Len()).Msg("cluster setup starting")

	base := o.opts.FaketimeBase
	if base.IsZero() {
		base = start
	}
	for _, n := range o.topo.Nodes() {
		if err := o.SkewClock(n.ID, base, o.opts.FaketimeRatio); err != nil {
			return o.Report(), err
		}
	}
	o.saveRun(ctx, storage.RunStarting, time.Time{})

	var g errgroup.Group
	for _, n := range o.topo.Nodes() {
		n := n
		g.Go(func() error {
			nlog := log.With().Str("node", n.ID).Str("role", string(n.Role)).Logger()
			if err := o.runNode(ctx, n, nlog); err != nil {
				o.fail(ctx, n, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	rep := o.Report()
	result, status := "ok", storage.RunReady
	var err error
	if !rep.OK() {
		result, status = "failed", storage.RunFailed
		ids := make([]string, 0)
		for _, f := range rep.Failed() {
			ids = append(ids, f.Node.ID)
		}
		err = errors.Wrapf(ErrIncomplete, "failed nodes: %s", strings.Join(ids, ", "))
	}
	took := time.Since(start)
	if o.metrics != nil {
		o.metrics.RecordSetup(result, took)
	}
	o.saveRun(ctx, status, time.Now())
	log.Info().Str("result", result).Dur("took", took).Msg("cluster setup finished")
	return rep, err
}

// runNode is one node's control thread.
func (o *Orchestrator) runNode(ctx context.Context, n cluster.Node, log zerolog.Logger) error {
	ictx, cancel := context.WithTimeout(ctx, o.opts.InstallTimeout)
	err := o.db.Install(ictx, n, o.opts.ForceReinstall)
	cancel()
	if err != nil {
		return errors.Wrap(err, "install")
	}
	if err := o.transition(ctx, n, cluster.PhaseInstalled); err != nil {
		return err
	}

	if n.IsLeader() {
		if err := o.initLeader(ctx, n, log); err != nil {
			return err
		}
	}
	if err := o.arrive(ctx, n, PostInit); err != nil {
		return err
	}

	if !n.IsLeader() {
		if err := o.bootstrapReplica(ctx, n, log); err != nil {
			return err
		}
	}
	return o.arrive(ctx, n, PostStart)
}

func (o *Orchestrator) initLeader(ctx context.Context, n cluster.Node, log zerolog.Logger) error {
	ictx, cancel := context.WithTimeout(ctx, o.opts.InitTimeout)
	defer cancel()
	if err := o.db.Kill(ictx, n); err != nil {
		return errors.Wrap(err, "stop stray server")
	}
	if err := o.db.Initialize(ictx, n); err != nil {
		return errors.Wrap(err, "initialize")
	}
	if err := o.transition(ctx, n, cluster.PhaseInitialized); err != nil {
		return err
	}
	log.Info().Msg("leader initialized")
	return o.startAndAwait(ctx, n, log)
}

func (o *Orchestrator) bootstrapReplica(ctx context.Context, n cluster.Node, log zerolog.Logger) error {
	bctx, cancel := context.WithTimeout(ctx, o.opts.BootstrapTimeout)
	defer cancel()
	if err := o.db.Kill(bctx, n); err != nil {
		return errors.Wrap(err, "stop stray server")
	}
	if err := o.boot.Bootstrap(bctx, n, o.topo.Leader()); err != nil {
		return err
	}
	if err := o.transition(ctx, n, cluster.PhaseBootstrapped); err != nil {
		return err
	}
	return o.startAndAwait(ctx, n, log)
}

// startAndAwait applies the node's clock bindings, starts the server and
// waits for it to accept connections, restarting it if it crashes.
func (o *Orchestrator) startAndAwait(ctx context.Context, n cluster.Node, log zerolog.Logger) error {
	if err := o.injector.Reconcile(ctx, n, o.clocks); err != nil {
		return errors.Wrap(err, "apply faketime")
	}
	if err := o.db.Start(ctx, n); err != nil {
		return errors.Wrap(err, "start")
	}
	p := o.db.Probe(n)
	p.Restart = func(rctx context.Context) error {
		if err := o.db.Kill(rctx, n); err != nil {
			return err
		}
		return o.db.Start(rctx, n)
	}
	outcome, err := o.probes.Await(ctx, n, p, o.opts.Readiness)
	if err != nil {
		return err
	}
	log.Info().Str("outcome", outcome.String()).Msg("server ready")
	return o.transition(ctx, n, cluster.PhaseRunning)
}

func (o *Orchestrator) arrive(ctx context.Context, n cluster.Node, name string) error {
	full := o.RunID() + "/" + name
	deadline := time.Now().Add(o.opts.BarrierTimeout)
	if err := o.barriers.Arrive(ctx, full, n.ID, o.topo.Len(), deadline); err != nil {
		return errors.Wrapf(err, "barrier %s", name)
	}
	return nil
}

func (o *Orchestrator) saveRun(ctx context.Context, status string, finished time.Time) {
	if o.runs == nil {
		return
	}
	ids := make([]string, 0, o.topo.Len())
	for _, n := range o.topo.Nodes() {
		ids = append(ids, n.ID)
	}
	o.mu.Lock()
	rec := storage.RunRecord{
		ID:         o.runID,
		Leader:     o.topo.Leader().ID,
		Nodes:      ids,
		Status:     status,
		StartedAt:  o.startedAt,
		FinishedAt: finished,
	}
	o.mu.Unlock()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.runs.SaveRun(sctx, rec); err != nil {
		o.log.Warn().Err(err).Str("run", rec.ID).Msg("persist run record")
	}
}
