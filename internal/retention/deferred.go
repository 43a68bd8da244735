package retention

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"ferry/internal/logging"
)

// Deferred deletes files whose deletion mark has expired. Marked files are
// eligible wherever they live; files still queued or uploading keep their
// mark for a later pass, and marks of files already gone are consumed.
func (e *Engine) Deferred(ctx context.Context) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := Result{Pass: PassDeferred}
	if !e.cfg.Retention.Deferred.Enabled {
		result.Disabled = true
		return result
	}
	due, err := e.marks.Due(ctx, e.now())
	if err != nil {
		e.sink.Error("retention", "marks")
		logging.ErrorWithContext(e.logger, "deletion marks unavailable", "marks_read_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check marks.db in state_dir"),
		)
		result.Errors++
		return e.report(result)
	}

	for _, mark := range due {
		if ctx.Err() != nil {
			break
		}
		if e.protected(mark.Path) {
			result.Skipped++
			continue
		}
		if _, err := os.Lstat(mark.Path); errors.Is(err, fs.ErrNotExist) {
			if err := e.marks.Remove(ctx, mark.Path); err != nil {
				e.sink.Error("retention", "mark_remove")
			}
			result.Skipped++
			continue
		}
		freed, err := e.remove(ctx, PassDeferred, mark.Path)
		if err != nil {
			result.Errors++
			e.deleteFailed(PassDeferred, mark.Path, err)
			continue
		}
		result.FilesDeleted++
		result.BytesFreed += freed
	}
	return e.report(result)
}
