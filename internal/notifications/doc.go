// Package notifications pushes operator alerts through ntfy. Dead-lettered
// tasks and daemon lifecycle changes are the notable events; everything is a
// noop when no topic is configured.
package notifications
