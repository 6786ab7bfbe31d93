// Package stages holds the per-stage handlers of the product pipeline:
// ingest fetches and persists listing snapshots, enrich derives attribute
// records from images, and cluster assigns products into near-duplicate
// groups. Handlers return their output as a transactional closure so the
// worker can commit it together with the ledger transition.
package stages
