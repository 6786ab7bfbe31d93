// Package workqueue implements the ordered, at-least-once delivery channel
// carrying stage-transition messages between workers. Messages live in the
// shared database so the ledger can emit them transactionally; consumers
// lease rather than pop, and expired leases redeliver.
package workqueue
