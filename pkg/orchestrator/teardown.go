package orchestrator

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"pgcluster/pkg/cluster"
	"pgcluster/storage"
)

// Teardown stops every server, removes clock wrappers and deletes every data
// directory. It is best-effort: faults are logged, never returned, so the
// next run can always proceed.
func (o *Orchestrator) Teardown(ctx context.Context) Report {
	start := time.Now()
	var g errgroup.Group
	for _, n := range o.topo.Nodes() {
		n := n
		g.Go(func() error {
			o.teardownNode(ctx, n)
			return nil
		})
	}
	_ = g.Wait()

	took := time.Since(start)
	if o.metrics != nil {
		o.metrics.RecordTeardown(took)
	}
	if o.RunID() != "" {
		o.saveRun(ctx, storage.RunTornDown, time.Now())
	}
	o.log.Info().Dur("took", took).Msg("cluster torn down")
	return o.Report()
}

func (o *Orchestrator) teardownNode(ctx context.Context, n cluster.Node) {
	log := o.log.With().Str("node", n.ID).Logger()
	tctx, cancel := context.WithTimeout(ctx, o.opts.TeardownTimeout)
	defer cancel()

	if err := o.db.Stop(tctx, n); err != nil {
		log.Warn().Err(err).Msg("teardown: stop")
	}
	if err := o.db.Kill(tctx, n); err != nil {
		log.Warn().Err(err).Msg("teardown: kill")
	}
	for _, exe := range o.db.Executables(n) {
		o.clocks.Clear(n.ID, exe)
		if err := o.injector.Unwrap(tctx, n, exe); err != nil {
			log.Warn().Err(err).Str("exe", exe).Msg("teardown: remove faketime wrapper")
		}
	}
	if err := o.db.Wipe(tctx, n); err != nil {
		log.Warn().Err(err).Msg("teardown: wipe data directory")
	}
	if err := o.transition(ctx, n, cluster.PhaseTornDown); err != nil {
		log.Warn().Err(err).Msg("teardown: phase")
	}
}

// StopNode shuts a running node down, as a kill/restart nemesis would.
func (o *Orchestrator) StopNode(ctx context.Context, id string) error {
	n, err := o.expect(id, cluster.PhaseRunning)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, o.opts.StopTimeout)
	defer cancel()
	if err := o.db.Stop(sctx, n); err != nil {
		return errors.Wrapf(err, "stop %s", id)
	}
	return o.transition(ctx, n, cluster.PhaseStopped)
}

// StartNode restarts a stopped node and waits until it accepts connections.
// Clock bindings changed with SkewClock take effect here.
func (o *Orchestrator) StartNode(ctx context.Context, id string) error {
	n, err := o.expect(id, cluster.PhaseStopped)
	if err != nil {
		return err
	}
	if err := o.startAndAwait(ctx, n, o.log.With().Str("node", id).Logger()); err != nil {
		return errors.Wrapf(err, "start %s", id)
	}
	return nil
}

// expect returns node id when it is currently in phase want.
func (o *Orchestrator) expect(id string, want cluster.Phase) (cluster.Node, error) {
	n, ok := o.topo.Node(id)
	if !ok {
		return cluster.Node{}, errors.Wrap(cluster.ErrNodeNotFound, id)
	}
	phase, _ := o.Phase(id)
	if phase != want {
		return cluster.Node{}, errors.Wrapf(cluster.ErrBadTransition, "%s is %s, want %s", id, phase, want)
	}
	return n, nil
}
