package uploader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/marks"
	"ferry/internal/metrics"
	"ferry/internal/objectstore"
	"ferry/internal/queue"
	"ferry/internal/registry"
)

// Registry is the subset of the uploaded-content ledger the executor needs.
type Registry interface {
	Lookup(ctx context.Context, hash string) (registry.Entry, bool, error)
	Record(ctx context.Context, entry registry.Entry) (bool, error)
}

// Marker records deferred-deletion marks.
type Marker interface {
	Mark(ctx context.Context, m marks.Mark) (marks.Mark, error)
}

// Deps are the collaborators an Executor is built from.
type Deps struct {
	Queue    *queue.Store
	Registry Registry
	Marks    Marker
	Store    objectstore.Store
	Sink     metrics.Sink
	Logger   *slog.Logger
	Clock    func() time.Time
}

// CycleReport summarizes one upload cycle.
type CycleReport struct {
	CycleID      string        `json:"cycle_id"`
	Started      time.Time     `json:"started"`
	Duration     time.Duration `json:"duration"`
	Attempted    int           `json:"attempted"`
	Uploaded     int           `json:"uploaded"`
	Deduplicated int           `json:"deduplicated"`
	Retried      int           `json:"retried"`
	Failed       int           `json:"failed"`
	Canceled     int           `json:"canceled"`
	Deferred     int           `json:"deferred"`
	Bytes        int64         `json:"bytes"`
}

func (r *CycleReport) add(o outcome) {
	switch o.kind {
	case outcomeUploaded:
		r.Uploaded++
		r.Bytes += o.bytes
	case outcomeDeduplicated:
		r.Deduplicated++
	case outcomeRetry:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeCanceled:
		r.Canceled++
	case outcomeDeferred:
		r.Deferred++
	}
}

// Executor drains the queue into the object store.
type Executor struct {
	cfg      *config.Config
	queue    *queue.Store
	registry Registry
	marks    Marker
	store    objectstore.Store
	sink     metrics.Sink
	logger   *slog.Logger
	now      func() time.Time

	flights singleflight.Group

	mu       sync.Mutex
	inflight map[string]struct{}
	last     CycleReport
}

// New validates deps and returns an Executor. Marks may be nil when
// deferred deletion is disabled.
func New(cfg *config.Config, deps Deps) (*Executor, error) {
	if cfg == nil {
		return nil, errors.New("uploader: config is required")
	}
	if deps.Queue == nil || deps.Registry == nil || deps.Store == nil {
		return nil, errors.New("uploader: queue, registry and store are required")
	}
	if cfg.Retention.Deferred.Enabled && deps.Marks == nil {
		return nil, errors.New("uploader: deferred deletion requires a mark store")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Executor{
		cfg:      cfg,
		queue:    deps.Queue,
		registry: deps.Registry,
		marks:    deps.Marks,
		store:    deps.Store,
		sink:     metrics.OrNop(deps.Sink),
		logger:   logging.NewComponentLogger(deps.Logger, "uploader"),
		now:      clock,
		inflight: make(map[string]struct{}),
	}, nil
}

// InFlight reports whether path is being uploaded right now.
func (e *Executor) InFlight(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inflight[path]
	return ok
}

// LastCycle returns the report of the most recent cycle.
func (e *Executor) LastCycle() CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Executor) claim(path string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[path]; busy {
		return false
	}
	e.inflight[path] = struct{}{}
	return true
}

func (e *Executor) release(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, path)
}

// RunCycle uploads one batch of due entries with bounded concurrency.
// Cancelling ctx stops new transfers; transfers already running get
// upload.shutdown_grace_seconds to finish before they are aborted.
func (e *Executor) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{CycleID: uuid.NewString(), Started: e.now()}
	logger := e.logger.With(logging.String(logging.FieldCycleID, report.CycleID))

	now := e.now()
	base, limit := e.cfg.RetryBase(), e.cfg.RetryCap()
	batch := e.queue.DequeueDue(e.cfg.Upload.BatchSize, func(entry queue.Entry) bool {
		return !e.InFlight(entry.Path) && Due(entry, now, base, limit)
	})
	report.Attempted = len(batch)
	if len(batch) == 0 {
		report.Duration = e.now().Sub(report.Started)
		e.finish(report)
		return report
	}

	logger.Info("upload cycle started",
		logging.String(logging.FieldEventType, "upload_cycle_started"),
		logging.Int("batch_size", len(batch)),
		logging.Int("queue_depth", e.queue.Len()),
	)

	xferCtx, stop := withGrace(ctx, e.cfg.ShutdownGrace())
	defer stop()

	var (
		resultsMu sync.Mutex
		g         errgroup.Group
	)
	g.SetLimit(max(e.cfg.Upload.Concurrency, 1))
	for _, entry := range batch {
		if ctx.Err() != nil {
			report.Attempted--
			continue
		}
		g.Go(func() error {
			o := e.process(xferCtx, logger, entry)
			resultsMu.Lock()
			report.add(o)
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = e.now().Sub(report.Started)
	logger.Info("upload cycle complete",
		logging.String(logging.FieldEventType, "upload_cycle_complete"),
		logging.Int("attempted", report.Attempted),
		logging.Int("uploaded", report.Uploaded),
		logging.Int("deduplicated", report.Deduplicated),
		logging.Int("retried", report.Retried),
		logging.Int("failed", report.Failed),
		logging.Int("canceled", report.Canceled),
		logging.Bytes("transferred", report.Bytes),
		logging.Duration("duration", report.Duration),
	)
	e.finish(report)
	return report
}

func (e *Executor) finish(report CycleReport) {
	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	e.sink.QueueDepth(e.queue.Len())
}

// Drain runs cycles until one finds nothing due or ctx is cancelled. The
// number of cycles is bounded by the queue depth and the attempt ceiling.
func (e *Executor) Drain(ctx context.Context) CycleReport {
	total := CycleReport{CycleID: uuid.NewString(), Started: e.now()}
	batchSize := max(e.cfg.Upload.BatchSize, 1)
	limit := (e.queue.Len()/batchSize + 1) * max(e.queue.MaxAttempts(), 1)
	for range limit {
		if ctx.Err() != nil {
			break
		}
		r := e.RunCycle(ctx)
		if r.Attempted == 0 {
			break
		}
		total.Attempted += r.Attempted
		total.Uploaded += r.Uploaded
		total.Deduplicated += r.Deduplicated
		total.Retried += r.Retried
		total.Failed += r.Failed
		total.Canceled += r.Canceled
		total.Deferred += r.Deferred
		total.Bytes += r.Bytes
		if r.Uploaded+r.Deduplicated+r.Failed == 0 && r.Retried == 0 {
			break
		}
	}
	total.Duration = e.now().Sub(total.Started)
	return total
}

// withGrace returns a context that is cancelled grace after parent is.
func withGrace(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	stopAfter := context.AfterFunc(parent, func() {
		mu.Lock()
		defer mu.Unlock()
		timer = time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stopAfter()
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		cancel()
	}
}
