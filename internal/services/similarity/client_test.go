package similarity_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"catsift/internal/config"
	"catsift/internal/services"
	"catsift/internal/services/similarity"
)

func TestSearchFiltersOutTheQueryingItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var query similarity.Query
		if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
			t.Errorf("decode query: %v", err)
		}
		if query.Limit == 0 {
			t.Error("expected a defaulted search limit")
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []similarity.Candidate{
				{ExternalID: "item-1", Marketplace: "poshmark", Score: 1.0},
				{ExternalID: "item-2", Marketplace: "poshmark", Score: 0.91},
			},
		})
	}))
	defer server.Close()

	client := similarity.New(config.Collaborator{BaseURL: server.URL, TimeoutSeconds: 5})
	candidates, err := client.Search(context.Background(), similarity.Query{
		ExternalID:  "item-1",
		Marketplace: "poshmark",
		ImageURL:    "https://img.test/item-1/main.jpg",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(candidates) != 1 {
		t.Fatalf("expected the self match filtered, got %d candidates", len(candidates))
	}
	if candidates[0].ExternalID != "item-2" {
		t.Fatalf("unexpected candidate %q", candidates[0].ExternalID)
	}
}

func TestSearchRequiresAnImage(t *testing.T) {
	client := similarity.New(config.Collaborator{BaseURL: "http://similarity.test", TimeoutSeconds: 5})
	_, err := client.Search(context.Background(), similarity.Query{ExternalID: "item-1", Marketplace: "poshmark"})
	if err == nil {
		t.Fatal("expected an error for a missing image")
	}
	if services.Retryable(err) {
		t.Fatal("expected a non-retryable validation error")
	}
}
