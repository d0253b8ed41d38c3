package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"pgcluster/storage"
)

type runView struct {
	storage.RunRecord `yaml:",inline"`
	NodeStates        []storage.NodeRecord `yaml:"node_states"`
}

func statusCmd() *cobra.Command {
	var (
		runID string
		all   bool
		prune bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the recorded state of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, runs, err := openRuns()
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if prune {
				pruned, err := runs.Prune(ctx)
				if err != nil {
					return err
				}
				return printYAML(os.Stdout, map[string][]string{"pruned": pruned})
			}

			if all {
				ids, err := runs.Runs(ctx)
				if err != nil {
					return err
				}
				return printYAML(os.Stdout, ids)
			}

			if runID == "" {
				id, ok, err := runs.Latest(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no runs recorded in %s", cfg.Storage.DataDir)
				}
				runID = id
			}
			rec, ok, err := runs.Run(ctx, runID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("run %s not found", runID)
			}
			nodes, err := runs.Nodes(ctx, runID)
			if err != nil {
				return err
			}
			return printYAML(os.Stdout, runView{RunRecord: rec, NodeStates: nodes})
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run ID (default: latest)")
	cmd.Flags().BoolVar(&all, "all", false, "List every recorded run ID")
	cmd.Flags().BoolVar(&prune, "prune", false, "Delete every recorded run except the latest")
	return cmd
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Print the server log path of every node",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime()
			if err != nil {
				return err
			}
			defer rt.Close()

			files := rt.orch.LogFiles()
			ids := make([]string, 0, len(files))
			for id := range files {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				n, _ := rt.orch.Topology().Node(id)
				fmt.Printf("%s\t%s:%s\n", id, n.Address, files[id])
			}
			return nil
		},
	}
}
