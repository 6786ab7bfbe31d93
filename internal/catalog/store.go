package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"catsift/internal/storage"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so store methods can run
// standalone or inside a ledger completion transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store persists products and tag records.
type Store struct {
	db *sql.DB
}

// NewStore wires the catalog store onto the shared database.
func NewStore(db *storage.DB) *Store {
	return &Store{db: db.Handle()}
}

// Snapshot carries the normalized listing data the ingest stage persists.
type Snapshot struct {
	ExternalID      string
	Marketplace     string
	CategoryID      int64
	Price           string
	SalesCount      int64
	Images          ImageRefs
	LastSeenAt      *time.Time
	InspectionCount int
}

// Upsert inserts a product or refreshes an existing row for the same
// (external id, marketplace) identity. Known products only get their recency
// fields bumped; the pipeline stage they already reached is preserved.
func (s *Store) Upsert(ctx context.Context, snap Snapshot) (*Product, bool, error) {
	return s.UpsertTx(ctx, s.db, snap)
}

// UpsertTx is Upsert running on the supplied transaction.
func (s *Store) UpsertTx(ctx context.Context, tx DBTX, snap Snapshot) (*Product, bool, error) {
	if snap.ExternalID == "" || snap.Marketplace == "" {
		return nil, false, errors.New("snapshot requires external id and marketplace")
	}

	existing, err := getProduct(ctx, tx, snap.ExternalID, snap.Marketplace)
	if err != nil {
		return nil, false, err
	}

	now := time.Now().UTC()
	timestamp := storage.FormatTime(now)
	imagesJSON, err := json.Marshal(snap.Images)
	if err != nil {
		return nil, false, fmt.Errorf("marshal image refs: %w", err)
	}
	representative := pickRepresentativeImage(snap.Images)

	if existing == nil {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO products (
                external_id, marketplace, category_id, price, sales_count,
                image_refs_json, representative_image, last_seen_at,
                inspection_count, stage, status, created_at, updated_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			snap.ExternalID,
			snap.Marketplace,
			snap.CategoryID,
			storage.NullableString(snap.Price),
			snap.SalesCount,
			string(imagesJSON),
			storage.NullableString(representative),
			storage.NullableTime(snap.LastSeenAt),
			snap.InspectionCount,
			"ingest",
			StatusActive,
			timestamp,
			timestamp,
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert product: %w", err)
		}
		created, err := getProduct(ctx, tx, snap.ExternalID, snap.Marketplace)
		if err != nil {
			return nil, false, err
		}
		return created, true, nil
	}

	_, err = tx.ExecContext(
		ctx,
		`UPDATE products
         SET category_id = ?, price = ?, sales_count = ?, image_refs_json = ?,
             representative_image = ?, last_seen_at = ?, inspection_count = ?,
             status = ?, updated_at = ?
         WHERE external_id = ? AND marketplace = ?`,
		snap.CategoryID,
		storage.NullableString(snap.Price),
		snap.SalesCount,
		string(imagesJSON),
		storage.NullableString(representative),
		storage.NullableTime(snap.LastSeenAt),
		snap.InspectionCount,
		StatusActive,
		timestamp,
		snap.ExternalID,
		snap.Marketplace,
	)
	if err != nil {
		return nil, false, fmt.Errorf("refresh product: %w", err)
	}
	refreshed, err := getProduct(ctx, tx, snap.ExternalID, snap.Marketplace)
	if err != nil {
		return nil, false, err
	}
	return refreshed, false, nil
}

// Get fetches a product by business identity.
func (s *Store) Get(ctx context.Context, externalID, marketplace string) (*Product, error) {
	return getProduct(ctx, s.db, externalID, marketplace)
}

// SetStageTx advances the product's recorded pipeline stage.
func (s *Store) SetStageTx(ctx context.Context, tx DBTX, externalID, marketplace, stage string) error {
	_, err := tx.ExecContext(
		ctx,
		`UPDATE products SET stage = ?, updated_at = ? WHERE external_id = ? AND marketplace = ?`,
		stage,
		storage.FormatTime(time.Now().UTC()),
		externalID,
		marketplace,
	)
	if err != nil {
		return fmt.Errorf("set product stage: %w", err)
	}
	return nil
}

// SetStatusTx updates the product's pipeline standing.
func (s *Store) SetStatusTx(ctx context.Context, tx DBTX, externalID, marketplace string, status Status) error {
	_, err := tx.ExecContext(
		ctx,
		`UPDATE products SET status = ?, updated_at = ? WHERE external_id = ? AND marketplace = ?`,
		status,
		storage.FormatTime(time.Now().UTC()),
		externalID,
		marketplace,
	)
	if err != nil {
		return fmt.Errorf("set product status: %w", err)
	}
	return nil
}

// SetStatus is SetStatusTx outside a transaction.
func (s *Store) SetStatus(ctx context.Context, externalID, marketplace string, status Status) error {
	return s.SetStatusTx(ctx, s.db, externalID, marketplace, status)
}

// ReplaceTagsTx writes the product's tag record as a whole. The upsert keyed
// on product_id is what makes re-enrichment an atomic replace.
func (s *Store) ReplaceTagsTx(ctx context.Context, tx DBTX, productID int64, record TagRecord) error {
	if productID == 0 {
		return errors.New("tag record requires a product id")
	}
	keywordsJSON, err := json.Marshal(NormalizeKeywords(record.Keywords))
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO tag_records (
            product_id, category, brand, model, audience, season, environment,
            keywords_json, confidence, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT (product_id) DO UPDATE SET
            category = excluded.category,
            brand = excluded.brand,
            model = excluded.model,
            audience = excluded.audience,
            season = excluded.season,
            environment = excluded.environment,
            keywords_json = excluded.keywords_json,
            confidence = excluded.confidence,
            updated_at = excluded.updated_at`,
		productID,
		storage.NullableString(record.Category),
		storage.NullableString(record.Brand),
		storage.NullableString(record.Model),
		storage.NullableString(record.Audience),
		storage.NullableString(record.Season),
		storage.NullableString(record.Environment),
		string(keywordsJSON),
		record.Confidence,
		storage.FormatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("replace tag record: %w", err)
	}
	return nil
}

// Tags fetches the tag record for a product, or nil when none exists yet.
func (s *Store) Tags(ctx context.Context, productID int64) (*TagRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, product_id, category, brand, model, audience, season,
                environment, keywords_json, confidence, updated_at
         FROM tag_records WHERE product_id = ?`,
		productID,
	)

	var (
		record      TagRecord
		category    sql.NullString
		brand       sql.NullString
		model       sql.NullString
		audience    sql.NullString
		season      sql.NullString
		environment sql.NullString
		keywords    sql.NullString
		updatedRaw  string
	)
	err := row.Scan(
		&record.ID,
		&record.ProductID,
		&category,
		&brand,
		&model,
		&audience,
		&season,
		&environment,
		&keywords,
		&record.Confidence,
		&updatedRaw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tag record: %w", err)
	}
	record.Category = category.String
	record.Brand = brand.String
	record.Model = model.String
	record.Audience = audience.String
	record.Season = season.String
	record.Environment = environment.String
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &record.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
	}
	if updated, err := storage.ParseTime(updatedRaw); err == nil {
		record.UpdatedAt = updated
	}
	return &record, nil
}

// StatusCounts returns products grouped by status for diagnostics.
func (s *Store) StatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM products GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("product stats: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

const productColumns = `id, external_id, marketplace, category_id, price, sales_count,
    image_refs_json, representative_image, last_seen_at, inspection_count,
    stage, status, created_at, updated_at`

func getProduct(ctx context.Context, tx DBTX, externalID, marketplace string) (*Product, error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT `+productColumns+` FROM products WHERE external_id = ? AND marketplace = ?`,
		externalID,
		marketplace,
	)
	product, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get product: %w", err)
	}
	return product, nil
}

func scanProduct(scanner interface{ Scan(dest ...any) error }) (*Product, error) {
	var (
		product        Product
		categoryID     sql.NullInt64
		price          sql.NullString
		imagesJSON     sql.NullString
		representative sql.NullString
		lastSeenRaw    sql.NullString
		statusStr      string
		createdRaw     string
		updatedRaw     string
	)
	if err := scanner.Scan(
		&product.ID,
		&product.ExternalID,
		&product.Marketplace,
		&categoryID,
		&price,
		&product.SalesCount,
		&imagesJSON,
		&representative,
		&lastSeenRaw,
		&product.InspectionCount,
		&product.Stage,
		&statusStr,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	product.CategoryID = categoryID.Int64
	product.Price = price.String
	product.RepresentativeImage = representative.String
	product.Status = Status(statusStr)
	if imagesJSON.Valid && imagesJSON.String != "" {
		if err := json.Unmarshal([]byte(imagesJSON.String), &product.Images); err != nil {
			return nil, fmt.Errorf("decode image refs: %w", err)
		}
	}
	if lastSeenRaw.Valid {
		if lastSeen, err := storage.ParseTime(lastSeenRaw.String); err == nil {
			product.LastSeenAt = &lastSeen
		}
	}
	if created, err := storage.ParseTime(createdRaw); err == nil {
		product.CreatedAt = created
	}
	if updated, err := storage.ParseTime(updatedRaw); err == nil {
		product.UpdatedAt = updated
	}
	return &product, nil
}

// pickRepresentativeImage chooses the image handed to the look-alike and
// similarity collaborators: first main image, else first inspection image,
// else first SKU image.
func pickRepresentativeImage(images ImageRefs) string {
	if len(images.Main) > 0 {
		return images.Main[0]
	}
	if len(images.Inspection) > 0 {
		return images.Inspection[0]
	}
	if len(images.SKU) > 0 {
		return images.SKU[0]
	}
	return ""
}
