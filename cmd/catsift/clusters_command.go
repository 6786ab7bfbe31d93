package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"catsift/internal/cluster"
	"catsift/internal/config"
	"catsift/internal/storage"
)

func newClustersCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clusters",
		Short: "Inspect product clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newClustersListCommand(ctx))
	cmd.AddCommand(newClustersShowCommand(ctx))
	return cmd
}

func newClustersListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clusters, largest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(func(cfg *config.Config, db *storage.DB) error {
				engine := cluster.NewEngine(db, cluster.Options{})
				clusters, err := engine.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if len(clusters) == 0 {
					cmd.Println("no clusters yet")
					return nil
				}

				rows := make([][]string, 0, len(clusters))
				for _, cl := range clusters {
					rows = append(rows, []string{
						cl.Code,
						fmt.Sprint(cl.MemberCount),
						fmt.Sprint(cl.TotalSales),
						cl.FounderMarketplace + "/" + cl.FounderExternalID,
					})
				}
				cmd.Println(renderTable(
					[]string{"CODE", "MEMBERS", "TOTAL SALES", "FOUNDER"},
					rows,
					1, 2,
				))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum clusters to list")
	return cmd
}

func newClustersShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <cluster-code>",
		Short: "Show a cluster's members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(func(cfg *config.Config, db *storage.DB) error {
				engine := cluster.NewEngine(db, cluster.Options{})
				cl, err := engine.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if cl == nil {
					return fmt.Errorf("cluster %q not found", args[0])
				}
				members, err := engine.Members(cmd.Context(), cl.Code)
				if err != nil {
					return err
				}

				cmd.Printf("cluster %s: %d member(s), %d total sales\n", cl.Code, cl.MemberCount, cl.TotalSales)
				rows := make([][]string, 0, len(members))
				for _, member := range members {
					rows = append(rows, []string{
						member.Marketplace,
						member.ExternalID,
						fmt.Sprint(member.SalesCount),
						member.JoinedAt.Local().Format("2006-01-02 15:04:05"),
					})
				}
				cmd.Println(renderTable(
					[]string{"MARKETPLACE", "EXTERNAL ID", "SALES", "JOINED"},
					rows,
					2,
				))
				return nil
			})
		},
	}
}
