// Package listing fetches normalized listing snapshots from the upstream
// catalog service.
package listing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"catsift/internal/config"
	"catsift/internal/services"
)

// Listing is the upstream's normalized view of one catalog item.
type Listing struct {
	ExternalID       string
	Marketplace      string
	CategoryID       int64
	Price            string
	SalesCount       int64
	InspectionImages []string
	MainImages       []string
	SKUImages        []string
	InspectedAt      *time.Time
	InspectionCount  int
}

// Client talks to the listing collaborator.
type Client struct {
	baseURL string
	apiKey  string
	caller  *services.Caller
}

// New builds a listing client from collaborator settings.
func New(cfg config.Collaborator, opts ...services.CallerOption) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		caller:  services.NewCaller(time.Duration(cfg.TimeoutSeconds)*time.Second, opts...),
	}
}

type listingPayload struct {
	ExternalID       string   `json:"external_id"`
	Marketplace      string   `json:"marketplace"`
	CategoryID       int64    `json:"category_id"`
	Price            string   `json:"price"`
	SalesCount       int64    `json:"sales_count"`
	InspectionImages []string `json:"inspection_images"`
	MainImages       []string `json:"main_images"`
	SKUImages        []string `json:"sku_images"`
	InspectedAt      string   `json:"inspected_at"`
	InspectionCount  int      `json:"inspection_count"`
}

// Fetch retrieves the current snapshot for one item.
func (c *Client) Fetch(ctx context.Context, externalID, marketplace string) (*Listing, error) {
	endpoint := fmt.Sprintf(
		"%s/listings/%s/%s",
		c.baseURL,
		url.PathEscape(marketplace),
		url.PathEscape(externalID),
	)

	var payload listingPayload
	if err := c.caller.GetJSON(ctx, endpoint, c.headers(), &payload); err != nil {
		return nil, fmt.Errorf("fetch listing %s/%s: %w", marketplace, externalID, err)
	}

	listing := &Listing{
		ExternalID:       payload.ExternalID,
		Marketplace:      payload.Marketplace,
		CategoryID:       payload.CategoryID,
		Price:            payload.Price,
		SalesCount:       payload.SalesCount,
		InspectionImages: payload.InspectionImages,
		MainImages:       payload.MainImages,
		SKUImages:        payload.SKUImages,
		InspectionCount:  payload.InspectionCount,
	}
	if listing.ExternalID == "" {
		listing.ExternalID = externalID
	}
	if listing.Marketplace == "" {
		listing.Marketplace = marketplace
	}
	if payload.InspectedAt != "" {
		if inspected, err := time.Parse(time.RFC3339, payload.InspectedAt); err == nil {
			utc := inspected.UTC()
			listing.InspectedAt = &utc
		}
	}
	return listing, nil
}

func (c *Client) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}
