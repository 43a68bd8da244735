// Package notifications pushes operator alerts to an ntfy topic.
//
// The Notifier is a metrics.Sink that reacts to two events only: a file
// leaving the queue without being uploaded, and an emergency cleanup. Sink
// calls never block; alerts are handed to a background loop that spaces
// deliveries with a rate limiter and drops bursts. When no topic is configured
// New returns nil and the daemon runs without alerts.
package notifications
