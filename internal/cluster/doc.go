// Package cluster groups near-duplicate products into clusters keyed by a
// permanent code derived from the founding member. Assignment is incremental
// and idempotent; products can move between clusters as the similarity index
// learns, and clusters emptied by moves are deleted.
package cluster
