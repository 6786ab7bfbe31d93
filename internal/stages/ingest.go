package stages

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"catsift/internal/catalog"
	"catsift/internal/ledger"
	"catsift/internal/logging"
	"catsift/internal/services/listing"
)

// ListingFetcher is the slice of the listing client the ingest stage needs.
type ListingFetcher interface {
	Fetch(ctx context.Context, externalID, marketplace string) (*listing.Listing, error)
}

// Ingest pulls the current listing snapshot for a product, persists it, and
// decides whether the product continues through the pipeline. Products whose
// inspection evidence is missing or older than the recency window are
// excluded rather than advanced.
type Ingest struct {
	fetcher       ListingFetcher
	catalog       *catalog.Store
	recencyWindow time.Duration
	logger        *slog.Logger
}

// NewIngest builds the ingest stage handler.
func NewIngest(fetcher ListingFetcher, store *catalog.Store, recencyWindow time.Duration, logger *slog.Logger) *Ingest {
	return &Ingest{
		fetcher:       fetcher,
		catalog:       store,
		recencyWindow: recencyWindow,
		logger:        logging.NewComponentLogger(logger, "ingest"),
	}
}

func (i *Ingest) Stage() ledger.Stage { return ledger.StageIngest }

func (i *Ingest) Execute(ctx context.Context, task *ledger.Task) (*Outcome, error) {
	snapshot, err := i.fetcher.Fetch(ctx, task.ExternalID, task.Marketplace)
	if err != nil {
		return nil, err
	}

	fresh := i.isFresh(snapshot)
	if !fresh {
		i.logger.InfoContext(ctx, "excluding product with stale inspection evidence",
			logging.String(logging.FieldProduct, task.ExternalID),
			logging.String(logging.FieldMarketplace, task.Marketplace),
		)
	}

	return &Outcome{
		Advance: fresh,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			_, _, err := i.catalog.UpsertTx(ctx, tx, catalog.Snapshot{
				ExternalID:  snapshot.ExternalID,
				Marketplace: snapshot.Marketplace,
				CategoryID:  snapshot.CategoryID,
				Price:       snapshot.Price,
				SalesCount:  snapshot.SalesCount,
				Images: catalog.ImageRefs{
					Inspection: snapshot.InspectionImages,
					Main:       snapshot.MainImages,
					SKU:        snapshot.SKUImages,
				},
				LastSeenAt:      snapshot.InspectedAt,
				InspectionCount: snapshot.InspectionCount,
			})
			if err != nil {
				return err
			}
			if !fresh {
				return i.catalog.SetStatusTx(ctx, tx, snapshot.ExternalID, snapshot.Marketplace, catalog.StatusExcluded)
			}
			return i.catalog.SetStageTx(ctx, tx, snapshot.ExternalID, snapshot.Marketplace, string(ledger.StageEnrich))
		},
	}, nil
}

func (i *Ingest) isFresh(snapshot *listing.Listing) bool {
	if snapshot.InspectionCount <= 0 || snapshot.InspectedAt == nil {
		return false
	}
	if i.recencyWindow <= 0 {
		return true
	}
	return time.Since(*snapshot.InspectedAt) <= i.recencyWindow
}
