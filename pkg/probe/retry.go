package probe

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"pgcluster/pkg/cluster"
	"pgcluster/pkg/remote"
)

// Decision is what the controller does after classifying one probe.
type Decision int

const (
	Continue Decision = iota
	Restart
	Succeed
	Fail
)

// DefaultPolicy polls without acting on Starting and Unknown, re-acts on
// Crashed, and stops immediately on Ready.
func DefaultPolicy(o Outcome) Decision {
	switch o {
	case Ready:
		return Succeed
	case Crashed:
		return Restart
	default:
		return Continue
	}
}

// Spec bounds one Await call.
type Spec struct {
	MaxDuration  time.Duration
	PollInterval time.Duration
	// MaxRestarts bounds how many times a Crashed outcome re-triggers the start action.
	MaxRestarts int
	// UnknownWarnAfter logs a warning after this many consecutive Unknown outcomes. Zero disables it.
	UnknownWarnAfter int
	// StartGrace is how long after Await begins, and after each restart, a
	// Crashed outcome is read as Starting. A freshly forked daemon has not
	// bound its socket yet and answers like a dead one.
	StartGrace time.Duration
	// Policy defaults to DefaultPolicy.
	Policy func(Outcome) Decision
}

// Probe is a health command, how to read it, and how to re-trigger the daemon.
type Probe struct {
	Command    string
	Args       []string
	Classifier Classifier
	// Restart tears the daemon down and issues its start command again.
	Restart func(ctx context.Context) error
}

// Recorder receives probe observations. metrics.Registry implements it.
type Recorder interface {
	RecordProbe(node string, outcome string)
	RecordRestart(node string)
}

type nopRecorder struct{}

func (nopRecorder) RecordProbe(string, string) {}
func (nopRecorder) RecordRestart(string)       {}

// Controller drives the poll/restart loop for daemon startup.
type Controller struct {
	exec remote.Executor
	log  zerolog.Logger
	rec  Recorder
}

// NewController creates a controller that runs probes through exec.
func NewController(exec remote.Executor, log zerolog.Logger) *Controller {
	return &Controller{exec: exec, log: log, rec: nopRecorder{}}
}

// SetRecorder attaches a recorder for probe outcomes and restarts.
func (c *Controller) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	c.rec = r
}

// Await polls probe on node until it is Ready, the policy gives up, or
// spec.MaxDuration elapses. It returns within MaxDuration plus one poll interval.
func (c *Controller) Await(ctx context.Context, node cluster.Node, p Probe, spec Spec) (Outcome, error) {
	if spec.MaxDuration <= 0 || spec.PollInterval <= 0 {
		return Unknown, ErrInvalidSpec
	}
	policy := spec.Policy
	if policy == nil {
		policy = DefaultPolicy
	}
	log := c.log.With().Str("node", node.ID).Str("probe", p.Command).Logger()

	start := time.Now()
	deadline := start.Add(spec.MaxDuration)
	hardStop := deadline.Add(spec.PollInterval)
	graceUntil := start.Add(spec.StartGrace)

	var (
		last          = Unknown
		attempts      int
		restarts      int
		unknownStreak int
	)
	timeout := func() error {
		return &ProbeTimeoutFault{Node: node.ID, Last: last, Attempts: attempts, Restarts: restarts, Elapsed: time.Since(start)}
	}

	for {
		attempts++
		pctx, cancel := context.WithDeadline(ctx, hardStop)
		res, err := c.exec.Exec(pctx, node, p.Command, p.Args...)
		cancel()
		if err != nil && !remote.IsNonZeroExit(err) {
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			if !time.Now().Before(deadline) {
				return last, timeout()
			}
			return last, errors.Wrapf(err, "probe %s", node.ID)
		}

		last = p.Classifier.Classify(res)
		c.rec.RecordProbe(node.ID, last.String())
		log.Debug().Int("attempt", attempts).Str("outcome", last.String()).Msg("probe result")

		if last == Unknown {
			unknownStreak++
			if spec.UnknownWarnAfter > 0 && unknownStreak == spec.UnknownWarnAfter {
				log.Warn().
					Int("consecutive", unknownStreak).
					Int("exit_code", res.ExitCode).
					Str("output", res.Output()).
					Msg("health command output matches no known pattern; check the probe configuration")
			}
		} else {
			unknownStreak = 0
		}

		decision := policy(last)
		if decision == Restart && last == Crashed && time.Now().Before(graceUntil) {
			log.Debug().Int("attempt", attempts).Msg("no response within start grace, still starting")
			decision = Continue
		}

		switch decision {
		case Succeed:
			return last, nil
		case Fail:
			return last, &ProbeFatalFault{Node: node.ID, Outcome: last, Restarts: restarts, Err: ErrFatal}
		case Restart:
			if restarts >= spec.MaxRestarts {
				return last, &ProbeFatalFault{Node: node.ID, Outcome: last, Restarts: restarts, Err: ErrCrashLoop}
			}
			restarts++
			c.rec.RecordRestart(node.ID)
			log.Warn().Int("restart", restarts).Msg("daemon crashed during startup, restarting")
			if p.Restart != nil {
				rctx, cancel := context.WithDeadline(ctx, hardStop)
				err := p.Restart(rctx)
				cancel()
				if err != nil {
					if remote.IsConnectionLost(err) && ctx.Err() == nil && time.Now().Before(deadline) {
						return last, errors.Wrapf(err, "restart %s", node.ID)
					}
					log.Warn().Err(err).Msg("restart failed, continuing to poll")
				}
			}
			graceUntil = time.Now().Add(spec.StartGrace)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return last, timeout()
		}
		wait := spec.PollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, ctx.Err()
		case <-timer.C:
		}
	}
}
