// Package storage opens the shared SQLite database and applies embedded
// schema migrations. Domain stores (ledger, catalog, workqueue, cluster)
// operate on the handle it exposes.
package storage
