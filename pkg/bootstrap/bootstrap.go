// Package bootstrap seeds a replica from the leader: the replica's data
// directory is reset, a base copy is streamed from the leader, then replica
// settings are written. At most one bootstrap copies from the leader at a time.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"pgcluster/pkg/cluster"
)

// Stage names a bootstrap step.
type Stage string

const (
	StageAcquire   Stage = "acquire"
	StageReset     Stage = "reset"
	StageCopy      Stage = "copy"
	StageConfigure Stage = "configure"
)

var ErrNotReplica = errors.New("bootstrap target is not a replica")

// BootstrapFault reports the stage at which bootstrapping a replica failed.
type BootstrapFault struct {
	Stage   Stage
	Replica string
	Leader  string
	Err     error
}

func (f *BootstrapFault) Error() string {
	return fmt.Sprintf("bootstrap %s from %s failed at %s: %v", f.Replica, f.Leader, f.Stage, f.Err)
}

func (f *BootstrapFault) Unwrap() error { return f.Err }

// Recipe performs the database-specific steps.
type Recipe interface {
	ResetDataDir(ctx context.Context, node cluster.Node) error
	BaseCopy(ctx context.Context, replica, leader cluster.Node) error
	ConfigureReplica(ctx context.Context, replica cluster.Node) error
	Wipe(ctx context.Context, node cluster.Node) error
}

// Recorder observes bootstrap durations.
type Recorder interface {
	RecordBootstrap(node, result string, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) RecordBootstrap(string, string, time.Duration) {}

// Bootstrapper serializes replica bootstraps for one run.
type Bootstrapper struct {
	recipe Recipe
	sem    *semaphore.Weighted
	log    zerolog.Logger
	rec    Recorder
}

// New creates a bootstrapper whose copies never overlap.
func New(recipe Recipe, log zerolog.Logger) *Bootstrapper {
	return &Bootstrapper{
		recipe: recipe,
		sem:    semaphore.NewWeighted(1),
		log:    log.With().Str("component", "bootstrap").Logger(),
		rec:    nopRecorder{},
	}
}

// SetRecorder installs an observer.
func (b *Bootstrapper) SetRecorder(r Recorder) {
	if r != nil {
		b.rec = r
	}
}

// Bootstrap makes replica a fresh copy of leader. Waiting for the copy slot
// counts against ctx. On failure after the reset the replica's data directory
// is wiped, so a retry always starts from an empty directory.
func (b *Bootstrapper) Bootstrap(ctx context.Context, replica, leader cluster.Node) error {
	if replica.Role != cluster.RoleReplica {
		return &BootstrapFault{Stage: StageAcquire, Replica: replica.ID, Leader: leader.ID, Err: ErrNotReplica}
	}
	log := b.log.With().Str("node", replica.ID).Str("leader", leader.ID).Logger()
	start := time.Now()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		b.rec.RecordBootstrap(replica.ID, "failed", time.Since(start))
		return &BootstrapFault{Stage: StageAcquire, Replica: replica.ID, Leader: leader.ID, Err: err}
	}
	defer b.sem.Release(1)
	log.Info().Dur("waited", time.Since(start)).Msg("bootstrapping replica")

	fail := func(stage Stage, err error) error {
		if stage != StageReset {
			// Cleanup must run even when ctx is what failed the stage.
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			if werr := b.recipe.Wipe(cctx, replica); werr != nil {
				log.Warn().Err(werr).Msg("wipe after failed bootstrap")
			}
			cancel()
		}
		b.rec.RecordBootstrap(replica.ID, "failed", time.Since(start))
		log.Error().Err(err).Str("stage", string(stage)).Msg("bootstrap failed")
		return &BootstrapFault{Stage: stage, Replica: replica.ID, Leader: leader.ID, Err: err}
	}

	if err := b.recipe.ResetDataDir(ctx, replica); err != nil {
		return fail(StageReset, err)
	}
	if err := b.recipe.BaseCopy(ctx, replica, leader); err != nil {
		return fail(StageCopy, err)
	}
	if err := b.recipe.ConfigureReplica(ctx, replica); err != nil {
		return fail(StageConfigure, err)
	}

	took := time.Since(start)
	b.rec.RecordBootstrap(replica.ID, "ok", took)
	log.Info().Dur("took", took).Msg("replica bootstrapped")
	return nil
}
