package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"ferry/internal/logging"
	"ferry/internal/metrics"
)

// ErrNotQueued is returned by RecordFailure for a path with no live entry.
var ErrNotQueued = errors.New("queue: path not queued")

// Store is the durable upload queue. All mutations are serialized by one
// mutex and flushed to disk before the call returns; a failed flush rolls
// the in-memory change back so memory and disk never diverge.
type Store struct {
	mu          sync.Mutex
	path        string
	entries     map[string]Entry
	maxAttempts int
	logger      *slog.Logger
	sink        metrics.Sink
	onExhausted func(Entry)
	now         func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithMaxAttempts sets the attempt ceiling. Values <= 0 keep the default.
func WithMaxAttempts(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the logger used for rejections and drops.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logging.NewComponentLogger(logger, "queue")
	}
}

// WithSink counts rejected enqueues, reconcile drops and failed flushes.
func WithSink(sink metrics.Sink) Option {
	return func(s *Store) { s.sink = metrics.OrNop(sink) }
}

// WithExhaustedHook registers fn to run once for every entry removed at the
// attempt ceiling. It runs after the removal is durable, outside the lock.
func WithExhaustedHook(fn func(Entry)) Option {
	return func(s *Store) { s.onExhausted = fn }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func newStore(path string, opts ...Option) *Store {
	s := &Store{
		path:        path,
		entries:     make(map[string]Entry),
		maxAttempts: DefaultMaxAttempts,
		logger:      logging.NewComponentLogger(nil, "queue"),
		sink:        metrics.Nop{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open loads the queue persisted at path, creating an empty one if the file
// does not exist yet.
func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("queue: snapshot path is required")
	}
	s := newStore(path, opts...)
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewMemory returns a queue without persistence.
func NewMemory(opts ...Option) *Store {
	return newStore("", opts...)
}

// MaxAttempts returns the attempt ceiling.
func (s *Store) MaxAttempts() int { return s.maxAttempts }

// Enqueue adds path under tag. Empty paths, directories and missing files are
// rejected with a warning and no entry is created. Enqueuing a path that is
// already queued returns the live entry and false.
func (s *Store) Enqueue(path, tag string) (Entry, bool, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		s.reject(path, ErrInvalidPath)
		return Entry{}, false, ErrInvalidPath
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		s.reject(trimmed, err)
		return Entry{}, false, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.reject(abs, ErrNotFound)
			return Entry{}, false, ErrNotFound
		}
		s.reject(abs, err)
		return Entry{}, false, fmt.Errorf("queue: stat %s: %w", abs, err)
	}
	if info.IsDir() {
		s.reject(abs, ErrIsDirectory)
		return Entry{}, false, ErrIsDirectory
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[abs]; ok {
		return existing, false, nil
	}
	entry := Entry{
		Path:       abs,
		SourceTag:  strings.TrimSpace(tag),
		EnqueuedAt: s.now().UTC(),
		Size:       info.Size(),
	}
	s.entries[abs] = entry
	if err := s.flushLocked(); err != nil {
		delete(s.entries, abs)
		return Entry{}, false, err
	}
	s.logger.Debug("file queued",
		logging.String(logging.FieldEventType, "file_queued"),
		logging.String(logging.FieldPath, abs),
		logging.String(logging.FieldSourceTag, entry.SourceTag),
		logging.Int64("size_bytes", entry.Size),
	)
	return entry, true, nil
}

// DequeueBatch returns up to limit entries, oldest first. Entries stay queued;
// the caller borrows them for one attempt. File existence is not checked.
// A non-positive limit yields an empty batch.
func (s *Store) DequeueBatch(limit int) []Entry {
	return s.DequeueDue(limit, nil)
}

// DequeueDue is DequeueBatch restricted to entries for which due returns
// true. A nil due accepts every entry.
func (s *Store) DequeueDue(limit int, due func(Entry) bool) []Entry {
	if limit <= 0 {
		return []Entry{}
	}
	ordered := s.List()
	batch := make([]Entry, 0, min(limit, len(ordered)))
	for _, entry := range ordered {
		if len(batch) == limit {
			break
		}
		if due != nil && !due(entry) {
			continue
		}
		batch = append(batch, entry)
	}
	return batch
}

// Remove deletes the entry for path. Removing an absent path is a no-op and
// reports false.
func (s *Store) Remove(path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[path]
	if !ok {
		return false, nil
	}
	delete(s.entries, path)
	if err := s.flushLocked(); err != nil {
		s.entries[path] = entry
		return false, err
	}
	return true, nil
}

// RecordFailure increments the attempt count of path and stores cause. When
// the count reaches the ceiling the entry is removed, exhausted is true and
// the exhausted hook fires exactly once.
func (s *Store) RecordFailure(path string, cause error) (Entry, bool, error) {
	s.mu.Lock()

	entry, ok := s.entries[path]
	if !ok {
		s.mu.Unlock()
		return Entry{}, false, ErrNotQueued
	}
	previous := entry
	entry.Attempts++
	entry.LastAttemptAt = s.now().UTC()
	if cause != nil {
		entry.LastError = cause.Error()
	}

	exhausted := entry.Attempts >= s.maxAttempts
	if exhausted {
		delete(s.entries, path)
	} else {
		s.entries[path] = entry
	}
	if err := s.flushLocked(); err != nil {
		s.entries[path] = previous
		s.mu.Unlock()
		return previous, false, err
	}
	s.mu.Unlock()

	if exhausted {
		logging.WarnWithContext(s.logger, "upload attempts exhausted; entry dropped", "queue_entry_exhausted",
			logging.String(logging.FieldPath, path),
			logging.Int(logging.FieldAttempt, entry.Attempts),
			logging.String("last_error", entry.LastError),
			logging.String(logging.FieldErrorHint, "check storage connectivity and credentials"),
			logging.String(logging.FieldImpact, "file will not be uploaded unless rediscovered"),
		)
		if s.onExhausted != nil {
			s.onExhausted(entry)
		}
	}
	return entry, exhausted, nil
}

// Has reports whether path has a live entry.
func (s *Store) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[path]
	return ok
}

// Get returns the live entry for path.
func (s *Store) Get(path string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[path]
	return entry, ok
}

// Len returns the queue depth.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// List returns every entry, oldest first.
func (s *Store) List() []Entry {
	s.mu.Lock()
	entries := make([]Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return less(entries[i], entries[j]) })
	return entries
}

func (s *Store) reject(path string, reason error) {
	s.sink.Error("queue", "enqueue_rejected")
	logging.WarnWithContext(s.logger, "enqueue rejected", "enqueue_rejected",
		logging.String(logging.FieldPath, path),
		logging.Error(reason),
		logging.String(logging.FieldErrorHint, "only regular files can be queued"),
		logging.String(logging.FieldImpact, "path ignored"),
	)
}
