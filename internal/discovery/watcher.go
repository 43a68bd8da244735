package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/metrics"
)

// Event announces a file that stopped changing and is ready to queue.
type Event struct {
	Path      string
	SourceTag string
}

type signature struct {
	size    int64
	modTime time.Time
}

type candidate struct {
	tag   string
	sig   signature
	since time.Time
}

// Watcher observes the configured source directories and emits each matching
// regular file once its size and mtime have held still for the stability
// window.
type Watcher struct {
	sources     []config.Source
	stability   time.Duration
	scanOnStart bool
	tick        time.Duration
	logger      *slog.Logger
	sink        metrics.Sink
	events      chan Event

	mu      sync.Mutex
	pending map[string]candidate
	emitted map[string]signature
}

// Option customizes a Watcher.
type Option func(*Watcher)

// WithStability overrides discovery.stability_seconds.
func WithStability(d time.Duration) Option {
	return func(w *Watcher) { w.stability = d }
}

// WithTick sets how often pending candidates are re-examined.
func WithTick(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.tick = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) { w.logger = logging.NewComponentLogger(logger, "discovery") }
}

// WithSink reports watch errors.
func WithSink(sink metrics.Sink) Option {
	return func(w *Watcher) { w.sink = metrics.OrNop(sink) }
}

// New builds a watcher over cfg.Sources. Events are buffered up to
// discovery.event_buffer; when the buffer is full a stable file stays
// pending and is offered again on the next tick.
func New(cfg *config.Config, opts ...Option) *Watcher {
	buffer := max(cfg.Discovery.EventBuffer, 1)
	w := &Watcher{
		sources:     append([]config.Source(nil), cfg.Sources...),
		stability:   cfg.StabilityWindow(),
		scanOnStart: cfg.Discovery.ScanOnStart,
		logger:      logging.NewComponentLogger(nil, "discovery"),
		sink:        metrics.Nop{},
		events:      make(chan Event, buffer),
		pending:     make(map[string]candidate),
		emitted:     make(map[string]signature),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tick <= 0 {
		w.tick = min(max(w.stability/4, 10*time.Millisecond), 5*time.Second)
	}
	return w
}

// Events returns the stream of stable files.
func (w *Watcher) Events() <-chan Event { return w.events }

// Pending returns the number of files waiting out the stability window.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run watches until ctx is cancelled. It fails only when the underlying
// notifier cannot be created; unreadable source directories are logged and
// skipped.
func (w *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}
	defer notifier.Close()

	for _, src := range w.sources {
		w.addTree(notifier, src, filepath.Clean(src.Dir), w.scanOnStart)
	}

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			w.handle(notifier, ev)
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.sink.Error("discovery", "watch")
			logging.WarnWithContext(w.logger, "filesystem watch error", "discovery_watch_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "raise fs.inotify.max_user_watches if events overflowed"),
				logging.String(logging.FieldImpact, "files may be picked up only by the next startup scan"),
			)
		case <-ticker.C:
			w.settle(time.Now())
		}
	}
}

func (w *Watcher) handle(notifier *fsnotify.Watcher, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	src, ok := w.sourceFor(path)
	if !ok {
		return
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.forget(path)
		return
	}
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Chmod) {
		return
	}
	info, err := os.Lstat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		if ev.Has(fsnotify.Create) && src.Recursive {
			// Files written before the watch was added produce no events.
			w.addTree(notifier, src, path, true)
		}
		return
	}
	w.observe(src, path, info)
}

// addTree watches dir, and its subdirectories when src is recursive, and
// optionally records every matching file already present.
func (w *Watcher) addTree(notifier *fsnotify.Watcher, src config.Source, dir string, scan bool) {
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Debug("skipping unreadable entry", logging.String(logging.FieldPath, path), logging.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != dir && !src.Recursive {
				return fs.SkipDir
			}
			if err := notifier.Add(path); err != nil {
				w.sink.Error("discovery", "watch")
				logging.WarnWithContext(w.logger, "cannot watch directory", "discovery_watch_failed",
					logging.String(logging.FieldPath, path),
					logging.Error(err),
					logging.String(logging.FieldImpact, "new files in this directory are not discovered"),
				)
			}
			return nil
		}
		if !scan || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			w.observe(src, path, info)
		}
		return nil
	})
	if walkErr != nil {
		w.sink.Error("discovery", "scan")
		logging.WarnWithContext(w.logger, "source directory unavailable", "discovery_source_unavailable",
			logging.String(logging.FieldSourceTag, src.Tag),
			logging.String(logging.FieldPath, dir),
			logging.Error(walkErr),
			logging.String(logging.FieldErrorHint, "create the directory or fix its permissions"),
			logging.String(logging.FieldImpact, "source not watched until restart"),
		)
	}
}

func (w *Watcher) observe(src config.Source, path string, info fs.FileInfo) {
	if !info.Mode().IsRegular() || !matches(src.Patterns, info.Name()) {
		return
	}
	sig := signature{size: info.Size(), modTime: info.ModTime()}

	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.emitted[path]; ok && prev == sig {
		return
	}
	if c, ok := w.pending[path]; ok && c.sig == sig {
		return
	}
	w.pending[path] = candidate{tag: src.Tag, sig: sig, since: time.Now()}
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	delete(w.pending, path)
	delete(w.emitted, path)
	w.mu.Unlock()
}

// settle emits every candidate whose signature held for the stability window.
func (w *Watcher) settle(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, c := range w.pending {
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			delete(w.pending, path)
			continue
		}
		sig := signature{size: info.Size(), modTime: info.ModTime()}
		if sig != c.sig {
			c.sig, c.since = sig, now
			w.pending[path] = c
			continue
		}
		if now.Sub(c.since) < w.stability {
			continue
		}
		select {
		case w.events <- Event{Path: path, SourceTag: c.tag}:
			delete(w.pending, path)
			w.emitted[path] = sig
			w.logger.Debug("file stable",
				logging.String(logging.FieldEventType, "file_discovered"),
				logging.String(logging.FieldPath, path),
				logging.String(logging.FieldSourceTag, c.tag),
			)
		default:
			return
		}
	}
}

// sourceFor returns the source that owns path. Without recursion only direct
// children of the source directory qualify.
func (w *Watcher) sourceFor(path string) (config.Source, bool) {
	for _, src := range w.sources {
		root := filepath.Clean(src.Dir)
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		if !src.Recursive && strings.ContainsRune(rel, filepath.Separator) {
			continue
		}
		return src, true
	}
	return config.Source{}, false
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
