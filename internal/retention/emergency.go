package retention

import (
	"context"
	"sort"

	"ferry/internal/logging"
	"ferry/internal/metrics"
)

// Emergency deletes files across every source, oldest modification time
// first, while disk usage is at or above the threshold. Usage is re-measured
// after each deletion. This is the only pass allowed to delete files that
// were never uploaded; files being uploaded are still skipped.
func (e *Engine) Emergency(ctx context.Context) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{Pass: PassEmergency}
	if !e.cfg.Retention.Emergency.Enabled {
		result.Disabled = true
		return result
	}
	threshold := e.cfg.Retention.Emergency.ThresholdPercent

	usage, err := e.measure(ctx)
	if err != nil {
		result.Errors++
		return e.report(result)
	}
	result.UsageBefore, result.UsageAfter = usage, usage
	if usage < threshold {
		return result
	}
	result.Triggered = true
	logging.WarnWithContext(e.logger, "disk usage above emergency threshold", "emergency_cleanup_started",
		logging.Float64("usage_percent", usage),
		logging.Float64("threshold_percent", threshold),
		logging.String(logging.FieldErrorHint, "uploads may be lagging behind log production"),
		logging.String(logging.FieldImpact, "oldest files are deleted even if not uploaded"),
	)

	var files []candidate
	for _, src := range e.cfg.Sources {
		found, errs := e.scanSource(ctx, src)
		result.Errors += errs
		files = append(files, found...)
	}
	sort.Slice(files, func(i, j int) bool {
		if !files[i].modTime.Equal(files[j].modTime) {
			return files[i].modTime.Before(files[j].modTime)
		}
		return files[i].path < files[j].path
	})

	for _, f := range files {
		if usage < threshold || ctx.Err() != nil {
			break
		}
		if e.inflight.InFlight(f.path) {
			result.Skipped++
			continue
		}
		freed, err := e.remove(ctx, PassEmergency, f.path)
		if err != nil {
			result.Errors++
			e.deleteFailed(PassEmergency, f.path, err)
			continue
		}
		result.FilesDeleted++
		result.BytesFreed += freed
		if usage, err = e.measure(ctx); err != nil {
			result.Errors++
			break
		}
		result.UsageAfter = usage
	}

	result.Exhausted = result.UsageAfter >= threshold
	if result.Exhausted {
		logging.CriticalWithContext(e.logger, "disk still above threshold after emergency cleanup", "emergency_exhausted",
			logging.Float64("usage_percent", result.UsageAfter),
			logging.Float64("threshold_percent", threshold),
			logging.Int("files_deleted", result.FilesDeleted),
			logging.String(logging.FieldErrorHint, "free space outside the monitored directories or raise the threshold"),
			logging.String(logging.FieldImpact, "new logs may fail to be written"),
		)
	}
	e.sink.EmergencyTriggered(metrics.EmergencyEvent{
		UsagePercent:     result.UsageBefore,
		ThresholdPercent: threshold,
		UsageAfter:       result.UsageAfter,
		Resolved:         !result.Exhausted,
	})
	return e.report(result)
}

// measure returns the highest usage across the filesystems of all sources.
func (e *Engine) measure(ctx context.Context) (float64, error) {
	var (
		highest float64
		lastErr error
		ok      bool
	)
	for _, dir := range e.cfg.SourceDirs() {
		pct, err := e.usage.UsedPercent(ctx, dir)
		if err != nil {
			lastErr = err
			e.sink.Error("retention", "usage")
			logging.WarnWithContext(e.logger, "disk usage unavailable", "disk_usage_failed",
				logging.String(logging.FieldPath, dir),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check that the source directory exists"),
				logging.String(logging.FieldImpact, "directory ignored for the emergency check"),
			)
			continue
		}
		ok = true
		highest = max(highest, pct)
	}
	if !ok && lastErr != nil {
		return 0, lastErr
	}
	return highest, nil
}
