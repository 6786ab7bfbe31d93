// Package lookalike queries the look-alike collaborator for keyword
// expansions mined from visually similar listings.
package lookalike

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"catsift/internal/catalog"
	"catsift/internal/config"
	"catsift/internal/services"
)

// Client talks to the look-alike collaborator.
type Client struct {
	baseURL string
	apiKey  string
	caller  *services.Caller
}

// New builds a look-alike client from collaborator settings.
func New(cfg config.Collaborator, opts ...services.CallerOption) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		caller:  services.NewCaller(time.Duration(cfg.TimeoutSeconds)*time.Second, opts...),
	}
}

type keywordsPayload struct {
	Keywords []string `json:"keywords"`
}

// Keywords returns the expansion keywords for one item. A missing expansion
// is not an error; items without look-alikes simply return an empty list.
func (c *Client) Keywords(ctx context.Context, externalID, marketplace string) ([]string, error) {
	endpoint := fmt.Sprintf(
		"%s/lookalikes/%s/%s/keywords",
		c.baseURL,
		url.PathEscape(marketplace),
		url.PathEscape(externalID),
	)

	var payload keywordsPayload
	if err := c.caller.GetJSON(ctx, endpoint, c.headers(), &payload); err != nil {
		if services.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("look-alike keywords %s/%s: %w", marketplace, externalID, err)
	}
	return catalog.NormalizeKeywords(payload.Keywords), nil
}

func (c *Client) headers() map[string]string {
	if c.apiKey == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}
