package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pgcluster/pkg/orchestrator"
	"pgcluster/storage"
)

type nodeView struct {
	Node      string    `yaml:"node"`
	Role      string    `yaml:"role"`
	Address   string    `yaml:"address"`
	Phase     string    `yaml:"phase"`
	FaultKind string    `yaml:"fault_kind,omitempty"`
	Fault     string    `yaml:"fault,omitempty"`
	LogFile   string    `yaml:"log_file"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

type reportView struct {
	Run   string     `yaml:"run"`
	OK    bool       `yaml:"ok"`
	Nodes []nodeView `yaml:"nodes"`
}

func printReport(w io.Writer, rep orchestrator.Report) error {
	view := reportView{Run: rep.RunID, OK: rep.OK()}
	for _, n := range rep.Nodes {
		nv := nodeView{
			Node:      n.Node.ID,
			Role:      string(n.Node.Role),
			Address:   n.Node.Address,
			Phase:     n.Phase.String(),
			FaultKind: orchestrator.FaultKind(n.Fault),
			LogFile:   n.LogFile,
			UpdatedAt: n.UpdatedAt,
		}
		if n.Fault != nil {
			nv.Fault = n.Fault.Error()
		}
		view.Nodes = append(view.Nodes, nv)
	}
	return printYAML(w, view)
}

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// lifecycle is the part of the orchestrator the setup command drives.
type lifecycle interface {
	Setup(ctx context.Context) (orchestrator.Report, error)
	Teardown(ctx context.Context) orchestrator.Report
}

// runSetup sets the cluster up, prints the report and, when teardown is set,
// tears it down again on every exit path.
func runSetup(ctx context.Context, lc lifecycle, w io.Writer, hold, teardown bool, teardownTimeout time.Duration) error {
	rep, setupErr := lc.Setup(ctx)
	if teardown {
		defer func() {
			// ctx may be done by now; teardown gets its own.
			tctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			lc.Teardown(tctx)
			logger.Info().Str("run", rep.RunID).Msg("cluster torn down")
		}()
	}
	if err := printReport(w, rep); err != nil {
		return err
	}
	if setupErr != nil && !errors.Is(setupErr, orchestrator.ErrIncomplete) {
		return setupErr
	}

	if hold && setupErr == nil {
		logger.Info().Str("run", rep.RunID).Msg("cluster running; interrupt to exit")
		<-ctx.Done()
	}
	return setupErr
}

func setupCmd() *cobra.Command {
	var (
		hold     bool
		teardown bool
		force    bool
		ratio    float64
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install, initialize and start every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("force-reinstall") {
				cfg.Test.ForceReinstall = force
			}
			if cmd.Flags().Changed("faketime-ratio") {
				if ratio < 0 {
					return fmt.Errorf("--faketime-ratio must not be negative")
				}
				cfg.Test.FaketimeRatio = ratio
			}

			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()
			rt.serve(ctx)

			return runSetup(ctx, rt.orch, os.Stdout, hold, teardown, cfg.Timeouts.Teardown+time.Minute)
		},
	}

	cmd.Flags().BoolVar(&hold, "hold", false, "Keep serving status and metrics until interrupted")
	cmd.Flags().BoolVar(&teardown, "teardown", false, "Tear the cluster down before exiting")
	cmd.Flags().BoolVar(&force, "force-reinstall", false, "Reinstall even when binaries are present")
	cmd.Flags().Float64Var(&ratio, "faketime-ratio", 0, "Run server clocks at this multiple of real time")
	return cmd
}

func teardownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "teardown",
		Short: "Stop every server and delete every data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, cancel := signalContext()
			defer cancel()

			rep := rt.orch.Teardown(ctx)
			markLatestTornDown(ctx, rt.runs)
			return printReport(os.Stdout, rep)
		},
	}
}

// markLatestTornDown records that a teardown ran after the latest setup.
func markLatestTornDown(ctx context.Context, runs *storage.RunStore) {
	id, ok, err := runs.Latest(ctx)
	if err != nil || !ok {
		return
	}
	rec, ok, err := runs.Run(ctx, id)
	if err != nil || !ok {
		return
	}
	rec.Status = storage.RunTornDown
	rec.FinishedAt = time.Now()
	if err := runs.SaveRun(ctx, rec); err != nil {
		logger.Warn().Err(err).Str("run", id).Msg("mark run torn down")
	}
}
