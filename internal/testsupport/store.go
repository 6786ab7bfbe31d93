package testsupport

import (
	"context"
	"testing"
	"time"

	"catsift/internal/catalog"
	"catsift/internal/config"
	"catsift/internal/storage"
)

// MustOpenDB opens the shared database for tests and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *storage.DB {
	t.Helper()

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	db, err := storage.Open(cfg)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// SeedProduct inserts an active product row for tests using the provided
// store and returns it.
func SeedProduct(t testing.TB, store *catalog.Store, externalID, marketplace string) *catalog.Product {
	t.Helper()

	now := time.Now().UTC()
	product, _, err := store.Upsert(context.Background(), catalog.Snapshot{
		ExternalID:  externalID,
		Marketplace: marketplace,
		CategoryID:  100,
		Price:       "19.90",
		SalesCount:  5,
		Images: catalog.ImageRefs{
			Main:       []string{"https://img.test/" + externalID + "/main.jpg"},
			Inspection: []string{"https://img.test/" + externalID + "/qc.jpg"},
		},
		LastSeenAt:      &now,
		InspectionCount: 1,
	})
	if err != nil {
		t.Fatalf("store.Upsert: %v", err)
	}
	return product
}
