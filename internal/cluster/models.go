package cluster

import "time"

// Cluster is one group of near-duplicate products. Its code is derived from
// the founding member's identity and never changes, even if the founder later
// moves on.
type Cluster struct {
	ID                 int64
	Code               string
	FounderExternalID  string
	FounderMarketplace string
	MemberCount        int
	TotalSales         int64
	CreatedAt          time.Time
}

// Member is one product's membership row. A product belongs to at most one
// cluster at a time.
type Member struct {
	ClusterCode string
	ExternalID  string
	Marketplace string
	SalesCount  int64
	JoinedAt    time.Time
}

// Candidate is one scored near-duplicate considered during assignment.
type Candidate struct {
	ExternalID  string
	Marketplace string
	Score       float64
}

// Assignment reports what Assign decided for a product.
type Assignment struct {
	Code     string
	Founded  bool
	Moved    bool
	FromCode string
}

// Code derives the permanent cluster code from a founding member's identity.
func Code(externalID, marketplace string) string {
	return marketplace + "_" + externalID
}
