package queue

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"ferry/internal/logging"
)

// Reconcile drops entries whose file no longer exists and returns their
// paths. It runs once at startup before any upload cycle.
func (s *Store) Reconcile(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := make(map[string]Entry)
	for path, entry := range s.entries {
		if err := ctx.Err(); err != nil {
			s.restoreLocked(dropped)
			return nil, err
		}
		_, err := os.Stat(path)
		if err == nil || !errors.Is(err, fs.ErrNotExist) {
			continue
		}
		dropped[path] = entry
		delete(s.entries, path)
	}
	if len(dropped) == 0 {
		return nil, nil
	}
	if err := s.flushLocked(); err != nil {
		s.restoreLocked(dropped)
		return nil, err
	}

	paths := make([]string, 0, len(dropped))
	for path, entry := range dropped {
		paths = append(paths, path)
		s.sink.Error("queue", "reconcile_drop")
		logging.WarnWithContext(s.logger, "queued file vanished; entry dropped", "queue_entry_reconciled",
			logging.String(logging.FieldPath, path),
			logging.String(logging.FieldSourceTag, entry.SourceTag),
			logging.Int(logging.FieldAttempt, entry.Attempts),
			logging.String(logging.FieldErrorHint, "file was removed while the daemon was down"),
			logging.String(logging.FieldImpact, "file was never uploaded"),
		)
	}
	return paths, nil
}

func (s *Store) restoreLocked(entries map[string]Entry) {
	for path, entry := range entries {
		s.entries[path] = entry
	}
}
