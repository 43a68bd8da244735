package metrics

import (
	"log/slog"

	"ferry/internal/logging"
)

// LogSink writes every event as a debug line. Components already log the
// operator-facing side of each event; this sink gives a uniform trail of
// what was reported to metrics.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink that logs under the metrics component.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logging.NewComponentLogger(logger, "metrics")}
}

func (s *LogSink) UploadSucceeded(e UploadEvent) {
	s.logger.Debug("metric upload succeeded",
		logging.String(logging.FieldEventType, "metric_upload_succeeded"),
		logging.String(logging.FieldPath, e.Path),
		logging.String(logging.FieldObjectKey, e.Key),
		logging.Int(logging.FieldAttempt, e.Attempts),
		logging.Bool("deduplicated", e.Deduplicated),
		logging.Bytes("size", e.Bytes),
	)
}

func (s *LogSink) UploadFailed(e UploadEvent) {
	s.logger.Debug("metric upload failed",
		logging.String(logging.FieldEventType, "metric_upload_failed"),
		logging.String(logging.FieldPath, e.Path),
		logging.Int(logging.FieldAttempt, e.Attempts),
		logging.String("reason", e.Reason),
		logging.Bool("terminal", e.Terminal),
	)
}

func (s *LogSink) QueueDepth(n int) {
	s.logger.Debug("metric queue depth", logging.Int("queue_depth", n))
}

func (s *LogSink) RetentionPass(p PassSummary) {
	s.logger.Debug("metric retention pass",
		logging.String(logging.FieldEventType, "metric_retention_pass"),
		logging.String(logging.FieldPass, p.Pass),
		logging.Int("files_deleted", p.FilesDeleted),
		logging.Bytes("freed", p.BytesFreed),
		logging.Int("errors", p.Errors),
	)
}

func (s *LogSink) EmergencyTriggered(e EmergencyEvent) {
	s.logger.Debug("metric emergency triggered",
		logging.String(logging.FieldEventType, "metric_emergency_triggered"),
		logging.Float64("usage_percent", e.UsagePercent),
		logging.Float64("usage_after_percent", e.UsageAfter),
		logging.Bool("resolved", e.Resolved),
	)
}

func (s *LogSink) Error(component, kind string) {
	s.logger.Debug("metric error",
		logging.String("error_component", component),
		logging.String("error_kind", kind),
	)
}
