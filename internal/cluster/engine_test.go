package cluster_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"catsift/internal/catalog"
	"catsift/internal/cluster"
	"catsift/internal/storage"
	"catsift/internal/testsupport"
)

type harness struct {
	engine  *cluster.Engine
	catalog *catalog.Store
	db      *storage.DB
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	return &harness{
		engine:  cluster.NewEngine(db, cluster.Options{ScoreThreshold: cfg.Pipeline.ScoreThreshold}),
		catalog: catalog.NewStore(db),
		db:      db,
	}
}

func (h *harness) seed(t *testing.T, externalID string) *catalog.Product {
	t.Helper()
	return testsupport.SeedProduct(t, h.catalog, externalID, "poshmark")
}

func (h *harness) assign(t *testing.T, product *catalog.Product, candidates ...cluster.Candidate) *cluster.Assignment {
	t.Helper()
	assignment, err := h.engine.Assign(context.Background(), product, candidates)
	require.NoError(t, err)
	return assignment
}

func TestAssignFoundsClusterWithoutQualifyingCandidates(t *testing.T) {
	h := newHarness(t)
	product := h.seed(t, "item-1")

	assignment := h.assign(t, product)

	require.True(t, assignment.Founded)
	require.Equal(t, "poshmark_item-1", assignment.Code)
	require.False(t, assignment.Moved)

	cl, err := h.engine.Get(context.Background(), assignment.Code)
	require.NoError(t, err)
	require.NotNil(t, cl)
	require.Equal(t, 1, cl.MemberCount)
	require.Equal(t, "item-1", cl.FounderExternalID)
	require.Equal(t, product.SalesCount, cl.TotalSales)
}

func TestAssignIgnoresCandidatesBelowThreshold(t *testing.T) {
	h := newHarness(t)
	anchor := h.seed(t, "item-1")
	h.assign(t, anchor)

	product := h.seed(t, "item-2")
	assignment := h.assign(t, product, cluster.Candidate{
		ExternalID:  "item-1",
		Marketplace: "poshmark",
		Score:       0.70,
	})

	require.True(t, assignment.Founded)
	require.Equal(t, "poshmark_item-2", assignment.Code)
}

func TestAssignJoinsTheCandidatesCluster(t *testing.T) {
	h := newHarness(t)
	anchor := h.seed(t, "item-1")
	h.assign(t, anchor)

	product := h.seed(t, "item-2")
	assignment := h.assign(t, product, cluster.Candidate{
		ExternalID:  "item-1",
		Marketplace: "poshmark",
		Score:       0.93,
	})

	require.False(t, assignment.Founded)
	require.Equal(t, "poshmark_item-1", assignment.Code)

	cl, err := h.engine.Get(context.Background(), assignment.Code)
	require.NoError(t, err)
	require.Equal(t, 2, cl.MemberCount)
	require.Equal(t, anchor.SalesCount+product.SalesCount, cl.TotalSales)
}

func TestAssignSeedsClusterFromTheBestUnclusteredCandidate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Both candidates are in the catalog but neither has clustered yet.
	h.seed(t, "item-a")
	best := h.seed(t, "item-b")

	product := h.seed(t, "item-1")
	assignment := h.assign(t, product,
		cluster.Candidate{ExternalID: "item-a", Marketplace: "poshmark", Score: 0.88},
		cluster.Candidate{ExternalID: "item-b", Marketplace: "poshmark", Score: 0.95},
	)

	require.True(t, assignment.Founded)
	require.Equal(t, "poshmark_item-b", assignment.Code)

	cl, err := h.engine.Get(ctx, assignment.Code)
	require.NoError(t, err)
	require.Equal(t, "item-b", cl.FounderExternalID)
	require.Equal(t, 2, cl.MemberCount)
	require.Equal(t, best.SalesCount+product.SalesCount, cl.TotalSales)

	code, err := h.engine.MembershipOf(ctx, "item-b", "poshmark")
	require.NoError(t, err)
	require.Equal(t, "poshmark_item-b", code)
}

func TestAssignPrefersTheLargestCluster(t *testing.T) {
	h := newHarness(t)

	// One two-member cluster and one singleton.
	a := h.seed(t, "item-a")
	h.assign(t, a)
	b := h.seed(t, "item-b")
	h.assign(t, b, cluster.Candidate{ExternalID: "item-a", Marketplace: "poshmark", Score: 0.9})
	c := h.seed(t, "item-c")
	h.assign(t, c)

	product := h.seed(t, "item-d")
	assignment := h.assign(t, product,
		cluster.Candidate{ExternalID: "item-b", Marketplace: "poshmark", Score: 0.9},
		cluster.Candidate{ExternalID: "item-c", Marketplace: "poshmark", Score: 0.95},
	)

	require.Equal(t, "poshmark_item-a", assignment.Code)
}

func TestAssignBreaksSizeTiesTowardTheSmallestCode(t *testing.T) {
	h := newHarness(t)

	a := h.seed(t, "item-a")
	h.assign(t, a)
	z := h.seed(t, "item-z")
	h.assign(t, z)

	product := h.seed(t, "item-m")
	assignment := h.assign(t, product,
		cluster.Candidate{ExternalID: "item-z", Marketplace: "poshmark", Score: 0.9},
		cluster.Candidate{ExternalID: "item-a", Marketplace: "poshmark", Score: 0.9},
	)

	require.Equal(t, "poshmark_item-a", assignment.Code)
}

func TestAssignMovesBetweenClustersAndDropsEmptyOnes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	product := h.seed(t, "item-1")
	first := h.assign(t, product)
	require.True(t, first.Founded)

	anchor := h.seed(t, "item-2")
	h.assign(t, anchor)
	other := h.seed(t, "item-3")
	h.assign(t, other, cluster.Candidate{ExternalID: "item-2", Marketplace: "poshmark", Score: 0.9})

	moved := h.assign(t, product, cluster.Candidate{ExternalID: "item-2", Marketplace: "poshmark", Score: 0.9})
	require.True(t, moved.Moved)
	require.Equal(t, "poshmark_item-2", moved.Code)
	require.Equal(t, "poshmark_item-1", moved.FromCode)

	// The abandoned singleton cluster is gone.
	old, err := h.engine.Get(ctx, "poshmark_item-1")
	require.NoError(t, err)
	require.Nil(t, old)

	target, err := h.engine.Get(ctx, "poshmark_item-2")
	require.NoError(t, err)
	require.Equal(t, 3, target.MemberCount)
}

func TestAssignIsIdempotent(t *testing.T) {
	h := newHarness(t)
	product := h.seed(t, "item-1")

	first := h.assign(t, product)
	second := h.assign(t, product)

	require.True(t, first.Founded)
	require.False(t, second.Founded)
	require.Equal(t, first.Code, second.Code)

	cl, err := h.engine.Get(context.Background(), first.Code)
	require.NoError(t, err)
	require.Equal(t, 1, cl.MemberCount)
}

func TestAssignKeepsMembershipWhenNothingQualifies(t *testing.T) {
	h := newHarness(t)

	anchor := h.seed(t, "item-1")
	h.assign(t, anchor)
	product := h.seed(t, "item-2")
	h.assign(t, product, cluster.Candidate{ExternalID: "item-1", Marketplace: "poshmark", Score: 0.9})

	again := h.assign(t, product)
	require.False(t, again.Founded)
	require.False(t, again.Moved)
	require.Equal(t, "poshmark_item-1", again.Code)
}

func TestAssignJoinsSurvivingClusterOnCodeCollision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// item-1 founds a cluster and item-2 joins it.
	founder := h.seed(t, "item-1")
	h.assign(t, founder)
	member := h.seed(t, "item-2")
	h.assign(t, member, cluster.Candidate{ExternalID: "item-1", Marketplace: "poshmark", Score: 0.9})

	// The founder moves away; its old cluster survives with item-2.
	elsewhere := h.seed(t, "item-3")
	h.assign(t, elsewhere)
	h.assign(t, founder, cluster.Candidate{ExternalID: "item-3", Marketplace: "poshmark", Score: 0.9})

	survivor, err := h.engine.Get(ctx, "poshmark_item-1")
	require.NoError(t, err)
	require.NotNil(t, survivor)
	require.Equal(t, 1, survivor.MemberCount)

	// Prune the founder's membership, then assign it with nothing
	// qualifying. Its would-be code still names a live cluster, so it
	// rejoins the survivor instead of founding a duplicate.
	_, err = h.db.Handle().ExecContext(
		ctx,
		`DELETE FROM cluster_members WHERE external_id = ? AND marketplace = ?`,
		"item-1", "poshmark",
	)
	require.NoError(t, err)

	returned := h.assign(t, founder)
	require.False(t, returned.Founded)
	require.Equal(t, "poshmark_item-1", returned.Code)

	rejoined, err := h.engine.Get(ctx, "poshmark_item-1")
	require.NoError(t, err)
	require.Equal(t, 2, rejoined.MemberCount)
}

func TestListOrdersClustersBySize(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.seed(t, "item-a")
	h.assign(t, a)
	b := h.seed(t, "item-b")
	h.assign(t, b, cluster.Candidate{ExternalID: "item-a", Marketplace: "poshmark", Score: 0.9})
	c := h.seed(t, "item-c")
	h.assign(t, c)

	clusters, err := h.engine.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	require.Equal(t, "poshmark_item-a", clusters[0].Code)
	require.Equal(t, 2, clusters[0].MemberCount)

	members, err := h.engine.Members(ctx, "poshmark_item-a")
	require.NoError(t, err)
	require.Len(t, members, 2)
}
