// Package logging wires slog handlers and shared attribute helpers so every
// component emits the same structured fields.
package logging
