package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"catsift/internal/catalog"
	"catsift/internal/cluster"
	"catsift/internal/config"
	"catsift/internal/storage"
)

func newProductCommand(ctx *commandContext) *cobra.Command {
	var marketplace string

	cmd := &cobra.Command{
		Use:   "product <external-id>",
		Short: "Show a product's catalog record, tags, and cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDB(func(cfg *config.Config, db *storage.DB) error {
				products := catalog.NewStore(db)
				product, err := products.Get(cmd.Context(), args[0], marketplace)
				if err != nil {
					return err
				}
				if product == nil {
					return fmt.Errorf("product %s/%s not found", marketplace, args[0])
				}

				cmd.Printf("product %s/%s\n", product.Marketplace, product.ExternalID)
				cmd.Printf("  status:      %s (stage %s)\n", product.Status, product.Stage)
				cmd.Printf("  category:    %d\n", product.CategoryID)
				cmd.Printf("  price:       %s\n", product.Price)
				cmd.Printf("  sales:       %d\n", product.SalesCount)
				if product.RepresentativeImage != "" {
					cmd.Printf("  image:       %s\n", product.RepresentativeImage)
				}
				if product.LastSeenAt != nil {
					cmd.Printf("  last seen:   %s\n", product.LastSeenAt.Local().Format("2006-01-02 15:04:05"))
				}

				tags, err := products.Tags(cmd.Context(), product.ID)
				if err != nil {
					return err
				}
				if tags == nil {
					cmd.Println("  tags:        none yet")
				} else {
					cmd.Printf("  tags:        %s / %s %s (confidence %.2f)\n",
						tags.Category, tags.Brand, tags.Model, tags.Confidence)
					if len(tags.Keywords) > 0 {
						cmd.Printf("  keywords:    %s\n", strings.Join(tags.Keywords, ", "))
					}
				}

				engine := cluster.NewEngine(db, cluster.Options{})
				code, err := engine.MembershipOf(cmd.Context(), product.ExternalID, product.Marketplace)
				if err != nil {
					return err
				}
				if code == "" {
					cmd.Println("  cluster:     unassigned")
				} else {
					cmd.Printf("  cluster:     %s\n", code)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&marketplace, "marketplace", "m", "", "Marketplace the product belongs to")
	_ = cmd.MarkFlagRequired("marketplace")
	return cmd
}
