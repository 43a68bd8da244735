package retention

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"ferry/internal/config"
	"ferry/internal/fileutil"
	"ferry/internal/logging"
)

// candidate is a regular file inside a source directory.
type candidate struct {
	path    string
	tag     string
	size    int64
	modTime time.Time
}

// scanSource lists files under src that match its patterns. Symlinks are
// never followed and every result is verified to lie inside src.Dir, so a
// pass over one source cannot reach a sibling tree. Unreadable entries are
// counted in errs and skipped.
func (e *Engine) scanSource(ctx context.Context, src config.Source) (files []candidate, errs int) {
	root := filepath.Clean(src.Dir)
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			errs++
			e.sink.Error("retention", "scan")
			logging.WarnWithContext(e.logger, "retention scan skipped entry", "retention_scan_failed",
				logging.String(logging.FieldPath, path),
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check directory permissions"),
				logging.String(logging.FieldImpact, "entry not considered for deletion"),
			)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && !src.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !fileutil.Within(root, path) || !matches(src.Patterns, d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs++
			return nil
		}
		files = append(files, candidate{path: path, tag: src.Tag, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if walkErr != nil && ctx.Err() == nil {
		errs++
		e.sink.Error("retention", "scan")
		logging.WarnWithContext(e.logger, "source directory unreadable", "retention_source_unreadable",
			logging.String(logging.FieldSourceTag, src.Tag),
			logging.String(logging.FieldPath, root),
			logging.Error(walkErr),
			logging.String(logging.FieldErrorHint, "check that the source directory exists"),
			logging.String(logging.FieldImpact, "source skipped for this pass"),
		)
	}
	return files, errs
}

func matches(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, pattern := range patterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}
