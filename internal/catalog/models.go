package catalog

import (
	"strings"
	"time"
)

// Status represents a product's standing in the pipeline.
type Status string

const (
	// StatusActive marks products flowing through the pipeline.
	StatusActive Status = "active"
	// StatusExcluded marks products dropped for stale or missing inspection
	// evidence; they keep their row but no further stages run.
	StatusExcluded Status = "excluded"
	// StatusFailed marks products whose task was dead-lettered.
	StatusFailed Status = "failed"
)

// ImageRefs groups the image references a listing snapshot carries.
type ImageRefs struct {
	Inspection []string `json:"inspection"`
	Main       []string `json:"main"`
	SKU        []string `json:"sku"`
}

// All returns every image reference in a stable order.
func (r ImageRefs) All() []string {
	refs := make([]string, 0, len(r.Inspection)+len(r.Main)+len(r.SKU))
	refs = append(refs, r.Inspection...)
	refs = append(refs, r.Main...)
	refs = append(refs, r.SKU...)
	return refs
}

// Product is one external catalog item. Identity is (ExternalID, Marketplace);
// re-ingesting the same identity upserts the existing row.
type Product struct {
	ID                  int64
	ExternalID          string
	Marketplace         string
	CategoryID          int64
	Price               string // opaque text, source formats vary
	SalesCount          int64
	Images              ImageRefs
	RepresentativeImage string
	LastSeenAt          *time.Time
	InspectionCount     int
	Stage               string
	Status              Status
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Key returns the product's business identity.
func (p *Product) Key() string {
	return p.Marketplace + "_" + p.ExternalID
}

// TagRecord holds the AI-derived attributes of a product. One-to-one with
// Product; replaced whole on re-enrichment, never partially written.
type TagRecord struct {
	ID         int64
	ProductID  int64
	Category   string
	Brand      string
	Model      string
	Audience   string
	Season     string
	Environment string
	Keywords   []string
	Confidence float64
	UpdatedAt  time.Time
}

// NormalizeKeywords lowercases, trims, and deduplicates keyword lists while
// preserving first-seen order.
func NormalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		cleaned := strings.ToLower(strings.TrimSpace(keyword))
		if cleaned == "" {
			continue
		}
		if _, ok := seen[cleaned]; ok {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, cleaned)
	}
	return out
}
