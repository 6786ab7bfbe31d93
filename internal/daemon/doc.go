// Package daemon assembles the product pipeline into a long-running,
// single-instance background service.
package daemon
