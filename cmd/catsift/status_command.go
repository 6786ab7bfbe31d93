package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"catsift/internal/catalog"
	"catsift/internal/cluster"
	"catsift/internal/config"
	"catsift/internal/ledger"
	"catsift/internal/storage"
	"catsift/internal/workqueue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline, queue, and catalog counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(func(cfg *config.Config, db *storage.DB) error {
				tasks := ledger.NewStore(db, ledger.Options{})
				queue := workqueue.New(db)
				products := catalog.NewStore(db)
				engine := cluster.NewEngine(db, cluster.Options{})

				stats, err := tasks.Stats(cmd.Context())
				if err != nil {
					return err
				}
				depth, err := queue.Depth(cmd.Context())
				if err != nil {
					return err
				}
				statuses, err := products.StatusCounts(cmd.Context())
				if err != nil {
					return err
				}
				clusters, err := engine.Count(cmd.Context())
				if err != nil {
					return err
				}

				rows := make([][]string, 0, len(ledger.Stages()))
				for _, stage := range ledger.Stages() {
					rows = append(rows, []string{
						string(stage),
						fmt.Sprint(stats[ledger.StatKey{Stage: stage, Status: ledger.StatusPending}]),
						fmt.Sprint(stats[ledger.StatKey{Stage: stage, Status: ledger.StatusInProgress}]),
						fmt.Sprint(stats[ledger.StatKey{Stage: stage, Status: ledger.StatusSucceeded}]),
						fmt.Sprint(stats[ledger.StatKey{Stage: stage, Status: ledger.StatusDead}]),
						fmt.Sprint(depth[string(stage)]),
					})
				}
				cmd.Println(renderTable(
					[]string{"STAGE", "PENDING", "IN PROGRESS", "SUCCEEDED", "DEAD", "QUEUED"},
					rows,
					1, 2, 3, 4, 5,
				))

				cmd.Println()
				cmd.Printf("products: %d active, %d excluded, %d failed\n",
					statuses[catalog.StatusActive],
					statuses[catalog.StatusExcluded],
					statuses[catalog.StatusFailed],
				)
				cmd.Printf("clusters: %d\n", clusters)
				cmd.Printf("database: %s\n", db.Path())
				return nil
			})
		},
	}
}
