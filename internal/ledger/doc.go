// Package ledger is the durable task ledger: one row per (product, stage)
// unit of work, moving pending -> in_progress -> succeeded or dead_lettered.
// At most one open task may exist per pair, claims are compare-and-swap, and
// completing a stage enqueues the next stage's task and work item in the
// same transaction.
package ledger
