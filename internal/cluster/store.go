package cluster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"catsift/internal/storage"
)

const clusterColumns = `id, cluster_code, founder_external_id, founder_marketplace,
    member_count, total_sales, created_at`

// Get fetches one cluster by code, or nil when it does not exist.
func (e *Engine) Get(ctx context.Context, code string) (*Cluster, error) {
	row := e.db.QueryRowContext(ctx, `SELECT `+clusterColumns+` FROM clusters WHERE cluster_code = ?`, code)
	cl, err := scanCluster(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cluster: %w", err)
	}
	return cl, nil
}

// List returns clusters ordered by size, largest first.
func (e *Engine) List(ctx context.Context, limit int) ([]*Cluster, error) {
	query := `SELECT ` + clusterColumns + ` FROM clusters ORDER BY member_count DESC, cluster_code ASC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	var clusters []*Cluster
	for rows.Next() {
		cl, err := scanCluster(rows)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, cl)
	}
	return clusters, rows.Err()
}

// Members returns a cluster's membership ordered by join time.
func (e *Engine) Members(ctx context.Context, code string) ([]*Member, error) {
	rows, err := e.db.QueryContext(
		ctx,
		`SELECT cluster_code, external_id, marketplace, sales_count, joined_at
         FROM cluster_members WHERE cluster_code = ? ORDER BY joined_at, external_id`,
		code,
	)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var members []*Member
	for rows.Next() {
		var (
			member   Member
			joinedAt string
		)
		if err := rows.Scan(&member.ClusterCode, &member.ExternalID, &member.Marketplace, &member.SalesCount, &joinedAt); err != nil {
			return nil, err
		}
		if joined, err := storage.ParseTime(joinedAt); err == nil {
			member.JoinedAt = joined
		}
		members = append(members, &member)
	}
	return members, rows.Err()
}

// MembershipOf returns the cluster code a product belongs to, or empty.
func (e *Engine) MembershipOf(ctx context.Context, externalID, marketplace string) (string, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return "", fmt.Errorf("begin membership tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	return memberCode(ctx, tx, externalID, marketplace)
}

// Count returns the number of clusters.
func (e *Engine) Count(ctx context.Context) (int, error) {
	var count int
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM clusters`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count clusters: %w", err)
	}
	return count, nil
}

func scanCluster(scanner interface{ Scan(dest ...any) error }) (*Cluster, error) {
	var (
		cl        Cluster
		createdAt string
	)
	if err := scanner.Scan(
		&cl.ID,
		&cl.Code,
		&cl.FounderExternalID,
		&cl.FounderMarketplace,
		&cl.MemberCount,
		&cl.TotalSales,
		&createdAt,
	); err != nil {
		return nil, err
	}
	if created, err := storage.ParseTime(createdAt); err == nil {
		cl.CreatedAt = created
	}
	return &cl, nil
}
