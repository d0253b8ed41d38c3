package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"pgcluster/pkg/client"
	"pgcluster/pkg/cluster"
)

func sqlCmd() *cobra.Command {
	var (
		node    string
		write   bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sql [statement]",
		Short: "Run a statement against the cluster at the configured isolation level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := cluster.Resolve(cfg.Specs(), cfg.Cluster.Leader)
			if err != nil {
				return err
			}
			pg := cfg.PostgresConfig()

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			set, err := client.Dial(ctx, topo, func(n cluster.Node) string { return pg.DSN(n) }, logger)
			if err != nil {
				return err
			}
			defer set.Close()

			intent := cluster.IntentRead
			if write {
				intent = cluster.IntentWrite
			}
			c, err := set.For(node, intent)
			if err != nil {
				return err
			}

			var out client.Rows
			err = c.Tx(ctx, intent, cfg.Test.Isolation, func(tx pgx.Tx) error {
				rows, err := tx.Query(ctx, args[0])
				if err != nil {
					return err
				}
				out, err = client.Collect(rows)
				return err
			})
			if err != nil {
				return err
			}

			fmt.Printf("-- %s (%s)\n", c.Node().ID, c.Node().Role)
			if len(out.Columns) > 0 {
				fmt.Println(strings.Join(out.Columns, "\t"))
			}
			for _, row := range out.Values {
				cells := make([]string, len(row))
				for i, v := range row {
					cells[i] = fmt.Sprint(v)
				}
				fmt.Println(strings.Join(cells, "\t"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&node, "node", "", "Node to read from (default: leader)")
	cmd.Flags().BoolVar(&write, "write", false, "Statement mutates data; routes to the leader")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Statement timeout")
	return cmd
}
