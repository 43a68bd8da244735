package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"ferry/internal/config"
	"ferry/internal/discovery"
	"ferry/internal/fileutil"
	"ferry/internal/logging"
	"ferry/internal/marks"
	"ferry/internal/metrics"
	"ferry/internal/notifications"
	"ferry/internal/objectstore"
	"ferry/internal/queue"
	"ferry/internal/registry"
	"ferry/internal/retention"
	"ferry/internal/schedule"
	"ferry/internal/uploader"
)

// ManualSourceTag tags files added through the control socket that do not
// live inside a configured source directory.
const ManualSourceTag = "manual"

// Daemon owns the durable stores and runs discovery, uploads and retention
// under a single-instance lock.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	queue     *queue.Store
	registry  *registry.Store
	marks     *marks.Store
	store     objectstore.Store
	counter   *metrics.Recorder
	prom      *metrics.Prometheus
	sink      metrics.Sink
	executor  *uploader.Executor
	retention *retention.Engine
	scheduler *schedule.Scheduler
	watcher   *discovery.Watcher
	netlink   *netlinkMonitor
	notifier  *notifications.Notifier

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	started time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu            sync.Mutex
	lastRetention []retention.Result
}

// Status represents daemon runtime information.
type Status struct {
	Running          bool                 `json:"running"`
	PID              int                  `json:"pid"`
	VehicleID        string               `json:"vehicle_id"`
	Backend          string               `json:"backend"`
	Bucket           string               `json:"bucket"`
	StartedAt        time.Time            `json:"started_at,omitzero"`
	QueueDepth       int                  `json:"queue_depth"`
	RegistryEntries  int                  `json:"registry_entries"`
	PendingMarks     int                  `json:"pending_marks"`
	PendingDiscovery int                  `json:"pending_discovery"`
	Schedule         schedule.Status      `json:"schedule"`
	LastCycle        uploader.CycleReport `json:"last_cycle"`
	LastRetention    []retention.Result   `json:"last_retention,omitempty"`
	Totals           metrics.Totals       `json:"totals"`
	Connectivity     bool                 `json:"connectivity_monitor"`
	LockPath         string               `json:"lock_path"`
	QueuePath        string               `json:"queue_path"`
}

type options struct {
	store          objectstore.Store
	usage          retention.UsageProbe
	sinks          []metrics.Sink
	watcherOpts    []discovery.Option
	schedulerOpts  []schedule.Option
	skipPrometheus bool
}

// Option customizes Open.
type Option func(*options)

// WithObjectStore replaces the configured backend.
func WithObjectStore(store objectstore.Store) Option {
	return func(o *options) { o.store = store }
}

// WithUsageProbe replaces the disk usage probe used by emergency retention.
func WithUsageProbe(probe retention.UsageProbe) Option {
	return func(o *options) { o.usage = probe }
}

// WithSink adds a metrics sink.
func WithSink(sink metrics.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink) }
}

// WithDiscoveryOptions passes options to the discovery watcher.
func WithDiscoveryOptions(opts ...discovery.Option) Option {
	return func(o *options) { o.watcherOpts = append(o.watcherOpts, opts...) }
}

// WithScheduleOptions passes options to the scheduler.
func WithScheduleOptions(opts ...schedule.Option) Option {
	return func(o *options) { o.schedulerOpts = append(o.schedulerOpts, opts...) }
}

// Open acquires the instance lock and opens every durable store. The
// returned daemon is idle until Start.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *Daemon, err error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		lockPath: cfg.LockPath(),
		lock:     flock.New(cfg.LockPath()),
	}
	ok, err := d.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, errors.New("another ferry daemon instance is already running")
	}
	defer func() {
		if err != nil {
			_ = d.closeStores()
		}
	}()

	d.counter = metrics.NewCounter()
	sinks := []metrics.Sink{d.counter, metrics.NewLogSink(logger)}
	if cfg.Metrics.Enabled {
		d.prom = metrics.NewPrometheus()
		sinks = append(sinks, d.prom)
	}
	if d.notifier = notifications.New(cfg, logger); d.notifier != nil {
		sinks = append(sinks, d.notifier)
	}
	d.sink = metrics.NewMulti(append(sinks, o.sinks...)...)

	d.queue, err = queue.Open(cfg.QueuePath(),
		queue.WithMaxAttempts(cfg.Upload.MaxAttempts),
		queue.WithLogger(logger),
		queue.WithSink(d.sink),
	)
	if err != nil {
		return nil, fmt.Errorf("open queue: %w", err)
	}
	if d.registry, err = registry.Open(cfg.RegistryPath()); err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if d.marks, err = marks.Open(cfg.MarksPath(), marks.Options{}); err != nil {
		return nil, fmt.Errorf("open marks: %w", err)
	}

	d.store = o.store
	if d.store == nil {
		if d.store, err = objectstore.New(ctx, cfg, logger); err != nil {
			return nil, fmt.Errorf("open object store: %w", err)
		}
	}

	d.executor, err = uploader.New(cfg, uploader.Deps{
		Queue:    d.queue,
		Registry: d.registry,
		Marks:    d.marks,
		Store:    d.store,
		Sink:     d.sink,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	d.retention, err = retention.New(cfg, retention.Deps{
		Queue:    d.queue,
		InFlight: d.executor,
		Marks:    d.marks,
		Usage:    o.usage,
		Sink:     d.sink,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	watcherOpts := append([]discovery.Option{discovery.WithLogger(logger), discovery.WithSink(d.sink)}, o.watcherOpts...)
	d.watcher = discovery.New(cfg, watcherOpts...)

	schedulerOpts := append([]schedule.Option{schedule.WithLogger(logger)}, o.schedulerOpts...)
	d.scheduler, err = schedule.New(cfg, schedule.Hooks{
		Upload:    d.runUploads,
		Retention: d.runRetention,
	}, schedulerOpts...)
	if err != nil {
		return nil, err
	}

	d.netlink = newNetlinkMonitor(cfg, logger, func(context.Context, string) {
		d.scheduler.Trigger(schedule.Trigger{Reason: schedule.ReasonConnectivity})
	})
	return d, nil
}

// Start reconciles the queue with the filesystem and launches the background
// loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.started = time.Now()

	if _, err := d.queue.Reconcile(runCtx); err != nil {
		cancel()
		return fmt.Errorf("reconcile queue: %w", err)
	}
	d.sweepStaleUploads(runCtx)
	d.pruneRegistry(runCtx)

	d.goLoop("discovery", func() error { return d.watcher.Run(runCtx) })
	d.goLoop("enqueue", func() error { d.consume(runCtx); return nil })
	d.goLoop("scheduler", func() error { return d.scheduler.Run(runCtx) })
	if d.notifier != nil {
		d.goLoop("notifications", func() error { return d.notifier.Run(runCtx) })
	}
	if err := d.netlink.Start(runCtx); err != nil {
		d.logger.Warn("connectivity monitor unavailable", logging.Error(err))
	}

	d.running.Store(true)
	d.logger.Info("ferry daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.Int("queue_depth", d.queue.Len()),
	)
	return nil
}

// Stop cancels the background loops and waits for them. An upload cycle in
// progress gets the configured shutdown grace to finish its transfers.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.netlink.Stop()
	d.wg.Wait()
	d.running.Store(false)
	d.logger.Info("ferry daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
}

// Close stops the daemon, closes every store and releases the lock.
func (d *Daemon) Close() error {
	d.Stop()
	return d.closeStores()
}

func (d *Daemon) closeStores() error {
	var errs []error
	if d.store != nil {
		errs = append(errs, objectstore.Close(d.store))
	}
	if d.marks != nil {
		errs = append(errs, d.marks.Close())
	}
	if d.registry != nil {
		errs = append(errs, d.registry.Close())
	}
	if d.lock != nil {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}
	return errors.Join(errs...)
}

func (d *Daemon) goLoop(name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil {
			logging.ErrorWithContext(d.logger, "background loop failed", "daemon_loop_failed",
				logging.String("loop", name),
				logging.Error(err),
				logging.String(logging.FieldImpact, name+" stopped until restart"),
			)
		}
	}()
}

// consume moves stable files from discovery into the queue.
func (d *Daemon) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.watcher.Events():
			// Rejections and flush failures are counted by the queue.
			_, created, err := d.queue.Enqueue(ev.Path, ev.SourceTag)
			if err == nil && created && d.cfg.Schedule.UploadOnDiscovery {
				d.scheduler.Trigger(schedule.Trigger{Reason: schedule.ReasonDiscovery})
			}
		}
	}
}

func (d *Daemon) runUploads(ctx context.Context, t schedule.Trigger) {
	report := d.executor.Drain(ctx)
	d.logger.Info("upload drain finished",
		logging.String(logging.FieldEventType, "upload_drain_finished"),
		logging.String("reason", t.Reason),
		logging.Int("uploaded", report.Uploaded),
		logging.Int("deduplicated", report.Deduplicated),
		logging.Int("retried", report.Retried),
		logging.Int("failed", report.Failed),
		logging.Int("queue_depth", d.queue.Len()),
		logging.Duration("duration", report.Duration),
	)
}

func (d *Daemon) runRetention(ctx context.Context) {
	results := d.retention.RunAll(ctx)
	d.mu.Lock()
	d.lastRetention = results
	d.mu.Unlock()
}

func (d *Daemon) sweepStaleUploads(ctx context.Context) {
	hours := d.cfg.Storage.MultipartExpireHours
	if hours <= 0 {
		return
	}
	prefix := d.cfg.Vehicle.ID + "/"
	aborted, err := objectstore.SweepStale(ctx, d.store, prefix, time.Duration(hours)*time.Hour)
	if err != nil {
		d.sink.Error("objectstore", "sweep")
		logging.WarnWithContext(d.logger, "stale multipart sweep failed", "multipart_sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check bucket permissions for ListMultipartUploads"),
			logging.String(logging.FieldImpact, "incomplete uploads may linger until the bucket lifecycle removes them"),
		)
		return
	}
	if aborted > 0 {
		d.logger.Info("aborted stale multipart uploads",
			logging.String(logging.FieldEventType, "multipart_sweep"),
			logging.Int("aborted", aborted),
		)
	}
}

func (d *Daemon) pruneRegistry(ctx context.Context) {
	days := d.cfg.Registry.PruneAfterDays
	if days <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	removed, err := d.registry.Prune(ctx, cutoff)
	if err != nil {
		d.sink.Error("registry", "prune")
		logging.WarnWithContext(d.logger, "registry prune failed", "registry_prune_failed", logging.Error(err))
		return
	}
	if removed > 0 {
		d.logger.Info("pruned registry", logging.Int64("removed", removed), logging.Time("cutoff", cutoff))
	}
}

// ListQueue returns queued entries, oldest first.
func (d *Daemon) ListQueue() []queue.Entry {
	return d.queue.List()
}

// AddFile enqueues path. An empty tag is inferred from the source directory
// containing path, or ManualSourceTag outside every source.
func (d *Daemon) AddFile(path, tag string) (queue.Entry, bool, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		tag = d.sourceTagFor(path)
	}
	entry, created, err := d.queue.Enqueue(path, tag)
	if err != nil {
		return queue.Entry{}, false, err
	}
	if created {
		d.logger.Info("file queued manually",
			logging.String(logging.FieldEventType, "manual_enqueue"),
			logging.String(logging.FieldPath, entry.Path),
			logging.String(logging.FieldSourceTag, entry.SourceTag),
		)
	}
	return entry, created, nil
}

func (d *Daemon) sourceTagFor(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ManualSourceTag
	}
	for _, src := range d.cfg.Sources {
		if fileutil.Within(src.Dir, abs) {
			return src.Tag
		}
	}
	return ManualSourceTag
}

// UploadNow asks for an immediate upload cycle. Without force the request is
// dropped outside operational hours.
func (d *Daemon) UploadNow(force bool) error {
	if !d.running.Load() {
		return errors.New("daemon is not running")
	}
	d.scheduler.Trigger(schedule.Trigger{Reason: schedule.ReasonManual, Force: force})
	return nil
}

// RunRetention runs one retention pass (or all of them) synchronously.
func (d *Daemon) RunRetention(ctx context.Context, pass string) ([]retention.Result, error) {
	results, err := d.retention.Run(ctx, pass)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.lastRetention = results
	d.mu.Unlock()
	return results, nil
}

// Prometheus returns the metrics collector, or nil when metrics are disabled.
func (d *Daemon) Prometheus() *metrics.Prometheus { return d.prom }

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	st := Status{
		Running:          d.running.Load(),
		PID:              os.Getpid(),
		VehicleID:        d.cfg.Vehicle.ID,
		Backend:          d.cfg.Storage.Backend,
		Bucket:           d.cfg.Storage.Bucket,
		StartedAt:        d.started,
		QueueDepth:       d.queue.Len(),
		PendingDiscovery: d.watcher.Pending(),
		Schedule:         d.scheduler.Status(),
		LastCycle:        d.executor.LastCycle(),
		Totals:           d.counter.Totals(),
		Connectivity:     d.netlink.Running(),
		LockPath:         d.lockPath,
		QueuePath:        d.cfg.QueuePath(),
	}
	if n, err := d.registry.Count(ctx); err == nil {
		st.RegistryEntries = n
	}
	if n, err := d.marks.Count(ctx); err == nil {
		st.PendingMarks = n
	}
	d.mu.Lock()
	st.LastRetention = append([]retention.Result(nil), d.lastRetention...)
	d.mu.Unlock()
	return st
}
