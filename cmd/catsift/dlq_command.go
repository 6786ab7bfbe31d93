package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"catsift/internal/catalog"
	"catsift/internal/config"
	"catsift/internal/ledger"
	"catsift/internal/storage"
)

func newDLQCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newDLQListCommand(ctx))
	cmd.AddCommand(newDLQRetryCommand(ctx))
	return cmd
}

func newDLQListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(func(cfg *config.Config, db *storage.DB) error {
				tasks := ledger.NewStore(db, ledger.Options{})
				dead, err := tasks.DeadLettered(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(dead) == 0 {
					cmd.Println("dead-letter queue is empty")
					return nil
				}

				rows := make([][]string, 0, len(dead))
				for _, task := range dead {
					rows = append(rows, []string{
						fmt.Sprint(task.ID),
						task.Marketplace,
						task.ExternalID,
						string(task.Stage),
						fmt.Sprint(task.Attempt),
						task.ErrorMessage,
					})
				}
				cmd.Println(renderTable(
					[]string{"ID", "MARKETPLACE", "EXTERNAL ID", "STAGE", "ATTEMPTS", "ERROR"},
					rows,
					0, 4,
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum tasks to list")
	return cmd
}

func newDLQRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [task-id...]",
		Short: "Move dead-lettered tasks back to pending (all when no ids given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid task id %q", arg)
				}
				ids = append(ids, id)
			}

			return ctx.withDB(func(cfg *config.Config, db *storage.DB) error {
				tasks := ledger.NewStore(db, ledger.Options{})
				products := catalog.NewStore(db)

				// Reactivate the affected products before replaying so the
				// reconciler does not treat them as terminal.
				dead, err := tasks.DeadLettered(cmd.Context(), 0)
				if err != nil {
					return err
				}
				selected := make(map[int64]bool, len(ids))
				for _, id := range ids {
					selected[id] = true
				}
				for _, task := range dead {
					if len(ids) > 0 && !selected[task.ID] {
						continue
					}
					if err := products.SetStatus(cmd.Context(), task.ExternalID, task.Marketplace, catalog.StatusActive); err != nil {
						return err
					}
				}

				retried, err := tasks.RetryDead(cmd.Context(), ids...)
				if err != nil {
					return err
				}
				cmd.Printf("retried %d task(s)\n", retried)
				return nil
			})
		},
	}
}
