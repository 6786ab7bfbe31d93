// Package worker drives stage handlers from the work queue. Each stage gets
// its own Worker with a bounded goroutine pool; a shared Janitor recovers
// from crashed workers and lost messages.
package worker
