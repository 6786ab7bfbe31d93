// Package services defines shared utilities consumed by the stage handlers
// and the external collaborator clients.
//
// Key responsibilities:
//   - Structured error markers plus the Wrap helper that let the worker
//     harness decide between retry and dead-letter without inspecting
//     collaborator internals.
//   - A shared HTTP caller with timeouts, bounded retries, and backoff so
//     every collaborator client behaves the same under failure.
package services
