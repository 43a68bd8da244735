// Package logging assembles structured slog loggers and formatting helpers used
// across ferry.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and defines the field names every component uses (component,
// event_type, error_hint, impact, path, cycle_id, ...). WarnWithContext and
// ErrorWithContext guarantee that warnings and errors always carry an event
// type and an operator hint. The package also provides a no-op logger for
// tests and wiring code that cannot fail.
package logging
