// Package similarity queries the image similarity collaborator for
// near-duplicate candidates of a product's representative image.
package similarity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"catsift/internal/config"
	"catsift/internal/services"
)

// Query describes one similarity search.
type Query struct {
	ExternalID  string `json:"external_id"`
	Marketplace string `json:"marketplace"`
	ImageURL    string `json:"image_url"`
	CategoryID  int64  `json:"category_id"`
	Limit       int    `json:"limit"`
}

// Candidate is one scored near-duplicate from the search index.
type Candidate struct {
	ExternalID  string  `json:"external_id"`
	Marketplace string  `json:"marketplace"`
	Score       float64 `json:"score"`
}

const defaultSearchLimit = 20

// Client talks to the similarity collaborator.
type Client struct {
	baseURL string
	apiKey  string
	caller  *services.Caller
}

// New builds a similarity client from collaborator settings.
func New(cfg config.Collaborator, opts ...services.CallerOption) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		caller:  services.NewCaller(time.Duration(cfg.TimeoutSeconds)*time.Second, opts...),
	}
}

type searchPayload struct {
	Candidates []Candidate `json:"candidates"`
}

// Search returns scored candidates ordered best first. The querying item
// itself is filtered out; the index usually contains it.
func (c *Client) Search(ctx context.Context, query Query) ([]Candidate, error) {
	if query.ImageURL == "" {
		return nil, services.Wrap(
			services.ErrValidation,
			"cluster",
			"similarity search",
			fmt.Sprintf("%s/%s has no representative image", query.Marketplace, query.ExternalID),
			nil,
		)
	}
	if query.Limit <= 0 {
		query.Limit = defaultSearchLimit
	}

	var payload searchPayload
	if err := c.caller.PostJSON(ctx, c.baseURL+"/v1/search", c.headers(), query, &payload); err != nil {
		return nil, fmt.Errorf("similarity search %s/%s: %w", query.Marketplace, query.ExternalID, err)
	}

	candidates := make([]Candidate, 0, len(payload.Candidates))
	for _, candidate := range payload.Candidates {
		if candidate.ExternalID == query.ExternalID && candidate.Marketplace == query.Marketplace {
			continue
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

func (c *Client) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}
