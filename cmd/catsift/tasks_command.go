package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"catsift/internal/config"
	"catsift/internal/ledger"
	"catsift/internal/storage"
)

func newTasksCommand(ctx *commandContext) *cobra.Command {
	var marketplace string

	cmd := &cobra.Command{
		Use:   "tasks <external-id>",
		Short: "Show a product's progress through the pipeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(func(cfg *config.Config, db *storage.DB) error {
				tasks := ledger.NewStore(db, ledger.Options{})
				records, err := tasks.ForProduct(cmd.Context(), args[0], marketplace)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					cmd.Printf("no tasks recorded for %s/%s\n", marketplace, args[0])
					return nil
				}

				rows := make([][]string, 0, len(records))
				for _, task := range records {
					rows = append(rows, []string{
						fmt.Sprint(task.ID),
						string(task.Stage),
						string(task.Status),
						fmt.Sprint(task.Attempt),
						task.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
						task.ErrorMessage,
					})
				}
				cmd.Println(renderTable(
					[]string{"ID", "STAGE", "STATUS", "ATTEMPT", "UPDATED", "ERROR"},
					rows,
					0, 3,
				))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&marketplace, "marketplace", "m", "", "Marketplace the product belongs to")
	_ = cmd.MarkFlagRequired("marketplace")
	return cmd
}
