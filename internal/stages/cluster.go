package stages

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"catsift/internal/catalog"
	"catsift/internal/cluster"
	"catsift/internal/ledger"
	"catsift/internal/logging"
	"catsift/internal/services"
	"catsift/internal/services/similarity"
)

// SimilaritySearcher is the slice of the similarity client the cluster stage
// needs.
type SimilaritySearcher interface {
	Search(ctx context.Context, query similarity.Query) ([]similarity.Candidate, error)
}

// Cluster runs the assignment step: search the similarity index with the
// product's representative image and place the product into a cluster.
// Products without a usable image found their own singleton cluster.
type Cluster struct {
	searcher SimilaritySearcher
	engine   *cluster.Engine
	catalog  *catalog.Store
	logger   *slog.Logger
}

// NewCluster builds the cluster stage handler.
func NewCluster(searcher SimilaritySearcher, engine *cluster.Engine, store *catalog.Store, logger *slog.Logger) *Cluster {
	return &Cluster{
		searcher: searcher,
		engine:   engine,
		catalog:  store,
		logger:   logging.NewComponentLogger(logger, "cluster"),
	}
}

func (c *Cluster) Stage() ledger.Stage { return ledger.StageCluster }

func (c *Cluster) Execute(ctx context.Context, task *ledger.Task) (*Outcome, error) {
	product, err := c.catalog.Get(ctx, task.ExternalID, task.Marketplace)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, services.Wrap(
			services.ErrValidation,
			"cluster",
			"load product",
			fmt.Sprintf("%s/%s was never ingested", task.Marketplace, task.ExternalID),
			nil,
		)
	}

	var candidates []cluster.Candidate
	if product.RepresentativeImage != "" {
		matches, err := c.searcher.Search(ctx, similarity.Query{
			ExternalID:  product.ExternalID,
			Marketplace: product.Marketplace,
			ImageURL:    product.RepresentativeImage,
			CategoryID:  product.CategoryID,
		})
		if err != nil {
			return nil, err
		}
		candidates = make([]cluster.Candidate, 0, len(matches))
		for _, match := range matches {
			candidates = append(candidates, cluster.Candidate{
				ExternalID:  match.ExternalID,
				Marketplace: match.Marketplace,
				Score:       match.Score,
			})
		}
	}

	// Assignment commits its own conflict-retried transaction and is safe
	// to re-run if the completion below never lands.
	assignment, err := c.engine.Assign(ctx, product, candidates)
	if err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "assigned product to cluster",
		logging.String(logging.FieldProduct, product.ExternalID),
		logging.String(logging.FieldMarketplace, product.Marketplace),
		logging.String(logging.FieldClusterCode, assignment.Code),
		logging.Bool("founded", assignment.Founded),
		logging.Bool("moved", assignment.Moved),
	)

	return &Outcome{
		Advance: true,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			return c.catalog.SetStageTx(ctx, tx, product.ExternalID, product.Marketplace, "done")
		},
	}, nil
}
