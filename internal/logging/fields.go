package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for alerting and dashboards.
	FieldEventType = "event_type"
	// FieldErrorHint tells the operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
	// FieldPath is the absolute path of the log file being handled.
	FieldPath = "path"
	// FieldSourceTag is the configured tag of the source directory.
	FieldSourceTag = "source_tag"
	// FieldObjectKey is the object-store key.
	FieldObjectKey = "object_key"
	// FieldAttempt is the 1-based upload attempt number.
	FieldAttempt = "attempt"
	// FieldCycleID correlates all lines of one upload cycle.
	FieldCycleID = "cycle_id"
	// FieldPass names a retention pass.
	FieldPass = "pass"
	// FieldRunID identifies one daemon process lifetime.
	FieldRunID = "run_id"
)
