package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"catsift/internal/catalog"
	"catsift/internal/services"
	"catsift/internal/storage"
)

const (
	defaultThreshold       = 0.85
	defaultConflictRetries = 5
	conflictRetryDelay     = 25 * time.Millisecond
)

// Options tunes cluster assignment.
type Options struct {
	// ScoreThreshold is the minimum similarity score for a candidate to
	// count as a near-duplicate.
	ScoreThreshold float64
	// ConflictRetries bounds how often an assignment transaction is retried
	// after losing a write race.
	ConflictRetries int
}

// Engine groups near-duplicate products into clusters. Assignment runs as a
// single transaction per product and is idempotent: re-running it for the
// same product converges on the same cluster.
type Engine struct {
	db              *sql.DB
	threshold       float64
	conflictRetries int
}

// NewEngine wires the engine onto the shared database.
func NewEngine(db *storage.DB, opts Options) *Engine {
	if opts.ScoreThreshold <= 0 {
		opts.ScoreThreshold = defaultThreshold
	}
	if opts.ConflictRetries <= 0 {
		opts.ConflictRetries = defaultConflictRetries
	}
	return &Engine{
		db:              db.Handle(),
		threshold:       opts.ScoreThreshold,
		conflictRetries: opts.ConflictRetries,
	}
}

// Assign places a product into a cluster based on its scored candidates.
// Candidates below the score threshold are ignored. The decision:
//
//   - qualifying candidates in exactly one cluster: join it
//   - qualifying candidates in several clusters: join the largest, breaking
//     ties toward the lexicographically smallest code
//   - qualifying candidates but none clustered yet: the highest-scoring
//     candidate seeds a new cluster and both it and the product join
//   - no qualifying candidates and no current membership: found a new
//     cluster with the product as founder
//   - no qualifying candidates but already a member somewhere: stay put
//
// Joining while a member elsewhere moves the product in one step and deletes
// the old cluster if that emptied it.
func (e *Engine) Assign(ctx context.Context, product *catalog.Product, candidates []Candidate) (*Assignment, error) {
	if product == nil {
		return nil, errors.New("assign requires a product")
	}

	var lastErr error
	for attempt := 0; attempt < e.conflictRetries; attempt++ {
		assignment, err := e.assignOnce(ctx, product, candidates)
		if err == nil {
			return assignment, nil
		}
		if !services.IsBusy(err) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(conflictRetryDelay * time.Duration(attempt+1)):
		}
	}
	return nil, services.Wrap(services.ErrTransient, "cluster", "assign", "write conflict retries exhausted", lastErr)
}

func (e *Engine) assignOnce(ctx context.Context, product *catalog.Product, candidates []Candidate) (*Assignment, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin assign tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	currentCode, err := memberCode(ctx, tx, product.ExternalID, product.Marketplace)
	if err != nil {
		return nil, err
	}

	targetCode, seed, err := pickTarget(ctx, tx, e.threshold, candidates)
	if err != nil {
		return nil, err
	}

	assignment := &Assignment{FromCode: currentCode}
	switch {
	case targetCode == "" && seed == nil && currentCode != "":
		// Nothing qualifies; existing membership stands.
		assignment.Code = currentCode
		if err := refreshMemberSales(ctx, tx, product); err != nil {
			return nil, err
		}
		if err := recomputeAggregates(ctx, tx, currentCode); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit assign: %w", err)
		}
		return assignment, nil

	case targetCode == "" && seed == nil:
		targetCode = Code(product.ExternalID, product.Marketplace)
		founded, err := foundCluster(ctx, tx, targetCode, product.ExternalID, product.Marketplace)
		if err != nil {
			return nil, err
		}
		assignment.Founded = founded

	case targetCode == "":
		// Qualifying candidates exist but none belongs to a cluster yet;
		// the best of them seeds the cluster and joins alongside the
		// product.
		targetCode = Code(seed.ExternalID, seed.Marketplace)
		founded, err := foundCluster(ctx, tx, targetCode, seed.ExternalID, seed.Marketplace)
		if err != nil {
			return nil, err
		}
		if err := enlistCandidate(ctx, tx, targetCode, *seed); err != nil {
			return nil, err
		}
		assignment.Founded = founded
	}

	assignment.Code = targetCode
	assignment.Moved = currentCode != "" && currentCode != targetCode

	if err := upsertMember(ctx, tx, targetCode, product); err != nil {
		return nil, err
	}
	if err := recomputeAggregates(ctx, tx, targetCode); err != nil {
		return nil, err
	}
	if assignment.Moved {
		if err := recomputeAggregates(ctx, tx, currentCode); err != nil {
			return nil, err
		}
		if err := dropIfEmpty(ctx, tx, currentCode); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit assign: %w", err)
	}
	return assignment, nil
}

func pickTarget(ctx context.Context, tx *sql.Tx, threshold float64, candidates []Candidate) (string, *Candidate, error) {
	codes := make(map[string]struct{})
	var seed *Candidate
	for i, candidate := range candidates {
		if candidate.Score < threshold {
			continue
		}
		code, err := memberCode(ctx, tx, candidate.ExternalID, candidate.Marketplace)
		if err != nil {
			return "", nil, err
		}
		if code != "" {
			codes[code] = struct{}{}
			continue
		}
		if seed == nil || candidate.Score > seed.Score {
			seed = &candidates[i]
		}
	}
	if len(codes) == 0 {
		return "", seed, nil
	}

	args := make([]any, 0, len(codes))
	for code := range codes {
		args = append(args, code)
	}
	row := tx.QueryRowContext(
		ctx,
		`SELECT cluster_code FROM clusters
         WHERE cluster_code IN (`+storage.MakePlaceholders(len(args))+`)
         ORDER BY member_count DESC, cluster_code ASC
         LIMIT 1`,
		args...,
	)
	var target string
	if err := row.Scan(&target); err != nil {
		return "", nil, fmt.Errorf("pick target cluster: %w", err)
	}
	return target, nil, nil
}

func memberCode(ctx context.Context, tx *sql.Tx, externalID, marketplace string) (string, error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT cluster_code FROM cluster_members WHERE external_id = ? AND marketplace = ?`,
		externalID,
		marketplace,
	)
	var code string
	if err := row.Scan(&code); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("find membership: %w", err)
	}
	return code, nil
}

func foundCluster(ctx context.Context, tx *sql.Tx, code, founderExternalID, founderMarketplace string) (bool, error) {
	// A previous founder with this identity may have left its cluster
	// behind; joining the survivor beats a code collision.
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO clusters (cluster_code, founder_external_id, founder_marketplace, created_at)
         VALUES (?, ?, ?, ?)
         ON CONFLICT (cluster_code) DO NOTHING`,
		code,
		founderExternalID,
		founderMarketplace,
		storage.FormatTime(time.Now().UTC()),
	)
	if err != nil {
		return false, fmt.Errorf("found cluster: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("found cluster rows affected: %w", err)
	}
	return affected == 1, nil
}

func upsertMember(ctx context.Context, tx *sql.Tx, code string, product *catalog.Product) error {
	// The conflict clause makes a cross-cluster move one atomic statement.
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO cluster_members (cluster_code, external_id, marketplace, sales_count, joined_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (external_id, marketplace) DO UPDATE SET
            cluster_code = excluded.cluster_code,
            sales_count = excluded.sales_count,
            joined_at = excluded.joined_at`,
		code,
		product.ExternalID,
		product.Marketplace,
		product.SalesCount,
		storage.FormatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func enlistCandidate(ctx context.Context, tx *sql.Tx, code string, seed Candidate) error {
	// The seeding candidate may not have reached the catalog yet; its
	// sales roll in once it is ingested and reassigned.
	var sales int
	row := tx.QueryRowContext(
		ctx,
		`SELECT sales_count FROM products WHERE external_id = ? AND marketplace = ?`,
		seed.ExternalID,
		seed.Marketplace,
	)
	if err := row.Scan(&sales); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("candidate sales: %w", err)
	}
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO cluster_members (cluster_code, external_id, marketplace, sales_count, joined_at)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT (external_id, marketplace) DO NOTHING`,
		code,
		seed.ExternalID,
		seed.Marketplace,
		sales,
		storage.FormatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("enlist candidate: %w", err)
	}
	return nil
}

func refreshMemberSales(ctx context.Context, tx *sql.Tx, product *catalog.Product) error {
	_, err := tx.ExecContext(
		ctx,
		`UPDATE cluster_members SET sales_count = ? WHERE external_id = ? AND marketplace = ?`,
		product.SalesCount,
		product.ExternalID,
		product.Marketplace,
	)
	if err != nil {
		return fmt.Errorf("refresh member sales: %w", err)
	}
	return nil
}

func recomputeAggregates(ctx context.Context, tx *sql.Tx, code string) error {
	_, err := tx.ExecContext(
		ctx,
		`UPDATE clusters SET
            member_count = (SELECT COUNT(1) FROM cluster_members WHERE cluster_code = ?),
            total_sales = (SELECT COALESCE(SUM(sales_count), 0) FROM cluster_members WHERE cluster_code = ?)
         WHERE cluster_code = ?`,
		code,
		code,
		code,
	)
	if err != nil {
		return fmt.Errorf("recompute aggregates: %w", err)
	}
	return nil
}

func dropIfEmpty(ctx context.Context, tx *sql.Tx, code string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM clusters WHERE cluster_code = ? AND member_count = 0`, code)
	if err != nil {
		return fmt.Errorf("drop empty cluster: %w", err)
	}
	return nil
}
