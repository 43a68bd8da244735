package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"ferry/internal/fileutil"
	"ferry/internal/logging"
)

// load reads the snapshot into memory. A missing or empty file is a fresh start.
func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read queue snapshot: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorruptSnapshot, s.path, err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("%w: %s has version %d, expected %d", ErrCorruptSnapshot, s.path, snap.Version, snapshotVersion)
	}

	for _, entry := range snap.Entries {
		if strings.TrimSpace(entry.Path) == "" {
			continue
		}
		if _, dup := s.entries[entry.Path]; dup {
			continue
		}
		s.entries[entry.Path] = entry
	}

	s.logger.Debug("loaded queue snapshot",
		logging.Int("entry_count", len(s.entries)),
		logging.String(logging.FieldPath, s.path),
	)
	return nil
}

// flushLocked writes the full queue atomically. Callers hold s.mu.
func (s *Store) flushLocked() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{Version: snapshotVersion, Entries: make([]Entry, 0, len(s.entries))}
	for _, entry := range s.entries {
		snap.Entries = append(snap.Entries, entry)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return less(snap.Entries[i], snap.Entries[j]) })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal queue snapshot: %w", err)
	}
	if err := fileutil.WriteFileAtomic(s.path, data, 0o600); err != nil {
		s.sink.Error("queue", "flush")
		logging.ErrorWithContext(s.logger, "queue flush failed", "queue_flush_failed",
			logging.String(logging.FieldPath, s.path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space and permissions of state_dir"),
		)
		return fmt.Errorf("flush queue: %w", err)
	}
	return nil
}
