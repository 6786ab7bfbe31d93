package main

import (
	"github.com/spf13/cobra"

	"catsift/internal/config"
	"catsift/internal/ledger"
	"catsift/internal/storage"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var marketplace string

	cmd := &cobra.Command{
		Use:   "add <external-id>...",
		Short: "Enqueue products for ingestion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(func(cfg *config.Config, db *storage.DB) error {
				tasks := ledger.NewStore(db, ledger.Options{
					MaxAttempts: cfg.Pipeline.MaxAttempts,
				})
				for _, externalID := range args {
					task, created, err := tasks.Enqueue(cmd.Context(), externalID, marketplace, ledger.StageIngest)
					if err != nil {
						return err
					}
					if created {
						cmd.Printf("enqueued %s/%s as task %d\n", marketplace, externalID, task.ID)
					} else {
						cmd.Printf("%s/%s already has open task %d\n", marketplace, externalID, task.ID)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&marketplace, "marketplace", "m", "", "Marketplace the products belong to")
	_ = cmd.MarkFlagRequired("marketplace")
	return cmd
}
