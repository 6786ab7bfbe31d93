// Package catalog owns the Product and TagRecord tables: ingest snapshot
// upserts, stage/status transitions, and atomic tag replacement.
package catalog
