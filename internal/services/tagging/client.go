// Package tagging derives product attributes and keywords from listing
// images via the vision tagging collaborator.
package tagging

import (
	"context"
	"fmt"
	"strings"
	"time"

	"catsift/internal/catalog"
	"catsift/internal/config"
	"catsift/internal/services"
)

// Request identifies the item to tag and the images to tag it from.
type Request struct {
	ExternalID  string   `json:"external_id"`
	Marketplace string   `json:"marketplace"`
	CategoryID  int64    `json:"category_id"`
	ImageURLs   []string `json:"image_urls"`
	Model       string   `json:"model"`
}

// TagSet is the collaborator's attribute read for one item.
type TagSet struct {
	Category    string   `json:"category"`
	Brand       string   `json:"brand"`
	Model       string   `json:"model"`
	Audience    string   `json:"audience"`
	Season      string   `json:"season"`
	Environment string   `json:"environment"`
	Keywords    []string `json:"keywords"`
	Confidence  float64  `json:"confidence"`
}

// Client talks to the tagging collaborator.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	caller  *services.Caller
}

// New builds a tagging client from collaborator settings.
func New(cfg config.Tagging, opts ...services.CallerOption) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		caller:  services.NewCaller(time.Duration(cfg.TimeoutSeconds)*time.Second, opts...),
	}
}

// Tag submits an item's images and returns the derived attributes. Requests
// without images are rejected before the wire call; the collaborator cannot
// tag what it cannot see.
func (c *Client) Tag(ctx context.Context, req Request) (*TagSet, error) {
	if len(req.ImageURLs) == 0 {
		return nil, services.Wrap(
			services.ErrValidation,
			"enrich",
			"tag item",
			fmt.Sprintf("%s/%s has no images", req.Marketplace, req.ExternalID),
			nil,
		)
	}
	if req.Model == "" {
		req.Model = c.model
	}

	var tags TagSet
	if err := c.caller.PostJSON(ctx, c.baseURL+"/v1/tag", c.headers(), req, &tags); err != nil {
		return nil, fmt.Errorf("tag item %s/%s: %w", req.Marketplace, req.ExternalID, err)
	}
	tags.Keywords = catalog.NormalizeKeywords(tags.Keywords)
	return &tags, nil
}

func (c *Client) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}
