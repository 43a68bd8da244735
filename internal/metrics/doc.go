// Package metrics defines the event sink every ferry component reports to.
//
// Components depend only on the Sink interface. The daemon composes a
// Prometheus exporter, a structured-log sink and an in-memory counter used
// for status replies; tests use a Recorder to assert on individual events.
package metrics
