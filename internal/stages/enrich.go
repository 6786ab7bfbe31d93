package stages

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"catsift/internal/catalog"
	"catsift/internal/ledger"
	"catsift/internal/logging"
	"catsift/internal/services"
	"catsift/internal/services/tagging"
)

// Tagger is the slice of the tagging client the enrich stage needs.
type Tagger interface {
	Tag(ctx context.Context, req tagging.Request) (*tagging.TagSet, error)
}

// KeywordExpander is the slice of the look-alike client the enrich stage
// needs.
type KeywordExpander interface {
	Keywords(ctx context.Context, externalID, marketplace string) ([]string, error)
}

// Enrich derives a product's attribute record from its images and merges in
// keyword expansions mined from look-alike listings. The record replaces any
// previous one whole.
type Enrich struct {
	tagger   Tagger
	expander KeywordExpander
	catalog  *catalog.Store
	logger   *slog.Logger
	titler   cases.Caser
}

// NewEnrich builds the enrich stage handler.
func NewEnrich(tagger Tagger, expander KeywordExpander, store *catalog.Store, logger *slog.Logger) *Enrich {
	return &Enrich{
		tagger:   tagger,
		expander: expander,
		catalog:  store,
		logger:   logging.NewComponentLogger(logger, "enrich"),
		titler:   cases.Title(language.Und),
	}
}

func (e *Enrich) Stage() ledger.Stage { return ledger.StageEnrich }

func (e *Enrich) Execute(ctx context.Context, task *ledger.Task) (*Outcome, error) {
	product, err := e.catalog.Get(ctx, task.ExternalID, task.Marketplace)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, services.Wrap(
			services.ErrValidation,
			"enrich",
			"load product",
			fmt.Sprintf("%s/%s was never ingested", task.Marketplace, task.ExternalID),
			nil,
		)
	}

	tags, err := e.tagger.Tag(ctx, tagging.Request{
		ExternalID:  product.ExternalID,
		Marketplace: product.Marketplace,
		CategoryID:  product.CategoryID,
		ImageURLs:   product.Images.All(),
	})
	if err != nil {
		return nil, err
	}

	expansions, err := e.expander.Keywords(ctx, product.ExternalID, product.Marketplace)
	if err != nil {
		return nil, err
	}

	record := catalog.TagRecord{
		ProductID:   product.ID,
		Category:    e.displayName(tags.Category),
		Brand:       e.displayName(tags.Brand),
		Model:       strings.TrimSpace(tags.Model),
		Audience:    strings.ToLower(strings.TrimSpace(tags.Audience)),
		Season:      strings.ToLower(strings.TrimSpace(tags.Season)),
		Environment: strings.ToLower(strings.TrimSpace(tags.Environment)),
		Keywords:    catalog.NormalizeKeywords(append(tags.Keywords, expansions...)),
		Confidence:  tags.Confidence,
	}

	e.logger.DebugContext(ctx, "tagged product",
		logging.String(logging.FieldProduct, product.ExternalID),
		logging.String(logging.FieldMarketplace, product.Marketplace),
		logging.Int("keywords", len(record.Keywords)),
		logging.Float64("confidence", record.Confidence),
	)

	return &Outcome{
		Advance: true,
		Apply: func(ctx context.Context, tx *sql.Tx) error {
			if err := e.catalog.ReplaceTagsTx(ctx, tx, product.ID, record); err != nil {
				return err
			}
			return e.catalog.SetStageTx(ctx, tx, product.ExternalID, product.Marketplace, string(ledger.StageCluster))
		},
	}, nil
}

func (e *Enrich) displayName(value string) string {
	return e.titler.String(strings.TrimSpace(value))
}
