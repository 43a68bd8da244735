package retention

import (
	"context"
	"time"
)

// AgeBased deletes files older than retention.age_based.max_age_days from
// each source directory, staying strictly inside that directory. It is a
// backstop independent of upload success: files that left the queue through
// a terminal failure are deleted too. Files still queued or uploading are
// skipped.
func (e *Engine) AgeBased(ctx context.Context) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{Pass: PassAgeBased}
	if !e.cfg.Retention.AgeBased.Enabled {
		result.Disabled = true
		return result
	}
	cutoff := e.now().Add(-time.Duration(e.cfg.Retention.AgeBased.MaxAgeDays) * 24 * time.Hour)

	for _, src := range e.cfg.Sources {
		files, errs := e.scanSource(ctx, src)
		result.Errors += errs
		for _, f := range files {
			if ctx.Err() != nil {
				return e.report(result)
			}
			if !f.modTime.Before(cutoff) {
				continue
			}
			if e.protected(f.path) {
				result.Skipped++
				continue
			}
			freed, err := e.remove(ctx, PassAgeBased, f.path)
			if err != nil {
				result.Errors++
				e.deleteFailed(PassAgeBased, f.path, err)
				continue
			}
			result.FilesDeleted++
			result.BytesFreed += freed
		}
	}
	return e.report(result)
}
