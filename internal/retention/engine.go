package retention

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"ferry/internal/config"
	"ferry/internal/logging"
	"ferry/internal/marks"
	"ferry/internal/metrics"
)

// Pass names.
const (
	PassDeferred  = "deferred"
	PassAgeBased  = "age_based"
	PassEmergency = "emergency"
	PassAll       = "all"
)

// ErrUnknownPass is returned by Run for an unrecognized pass name.
var ErrUnknownPass = errors.New("retention: unknown pass")

// Result summarizes one pass.
type Result struct {
	Pass         string  `json:"pass"`
	FilesDeleted int     `json:"files_deleted"`
	BytesFreed   int64   `json:"bytes_freed"`
	Errors       int     `json:"errors"`
	Skipped      int     `json:"skipped"`
	Disabled     bool    `json:"disabled,omitempty"`
	Triggered    bool    `json:"triggered,omitempty"`
	UsageBefore  float64 `json:"usage_before,omitempty"`
	UsageAfter   float64 `json:"usage_after,omitempty"`
	// Exhausted is set when the emergency pass ran out of files while usage
	// stayed at or above the threshold.
	Exhausted bool `json:"exhausted,omitempty"`
}

// QueueView answers whether a path still waits for upload.
type QueueView interface {
	Has(path string) bool
}

// FlightView answers whether a path is being uploaded right now.
type FlightView interface {
	InFlight(path string) bool
}

// MarkStore is the subset of the deletion-mark store the engine uses.
type MarkStore interface {
	Due(ctx context.Context, now time.Time) ([]marks.Mark, error)
	Remove(ctx context.Context, path string) error
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Queue    QueueView
	InFlight FlightView
	Marks    MarkStore
	Usage    UsageProbe
	Sink     metrics.Sink
	Logger   *slog.Logger
	Clock    func() time.Time
}

// Engine runs the three retention passes. Passes never overlap.
type Engine struct {
	cfg      *config.Config
	queue    QueueView
	inflight FlightView
	marks    MarkStore
	usage    UsageProbe
	sink     metrics.Sink
	logger   *slog.Logger
	now      func() time.Time

	mu sync.Mutex
}

type noFlights struct{}

func (noFlights) InFlight(string) bool { return false }

// New builds an Engine. Usage defaults to the host disk probe.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("retention: config is required")
	}
	if deps.Queue == nil || deps.Marks == nil {
		return nil, errors.New("retention: queue and mark store are required")
	}
	e := &Engine{
		cfg:      cfg,
		queue:    deps.Queue,
		inflight: deps.InFlight,
		marks:    deps.Marks,
		usage:    deps.Usage,
		sink:     metrics.OrNop(deps.Sink),
		logger:   logging.NewComponentLogger(deps.Logger, "retention"),
		now:      deps.Clock,
	}
	if e.inflight == nil {
		e.inflight = noFlights{}
	}
	if e.usage == nil {
		e.usage = DiskUsage{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// RunAll runs deferred, age-based and emergency passes in that order.
func (e *Engine) RunAll(ctx context.Context) []Result {
	return []Result{e.Deferred(ctx), e.AgeBased(ctx), e.Emergency(ctx)}
}

// Run executes the named pass, or all of them for PassAll or "".
func (e *Engine) Run(ctx context.Context, pass string) ([]Result, error) {
	switch pass {
	case "", PassAll:
		return e.RunAll(ctx), nil
	case PassDeferred:
		return []Result{e.Deferred(ctx)}, nil
	case PassAgeBased, "age":
		return []Result{e.AgeBased(ctx)}, nil
	case PassEmergency:
		return []Result{e.Emergency(ctx)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPass, pass)
	}
}

// protected reports files retention must leave alone outside emergencies.
func (e *Engine) protected(path string) bool {
	return e.queue.Has(path) || e.inflight.InFlight(path)
}

// remove deletes path and consumes its mark. It returns the bytes freed.
func (e *Engine) remove(ctx context.Context, pass, path string) (int64, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("%s: not a regular file", path)
	}
	if err := os.Remove(path); err != nil {
		return 0, err
	}
	if err := e.marks.Remove(ctx, path); err != nil {
		e.sink.Error("retention", "mark_remove")
		logging.WarnWithContext(e.logger, "deletion mark not consumed", "mark_remove_failed",
			logging.String(logging.FieldPath, path),
			logging.Error(err),
			logging.String(logging.FieldImpact, "the deferred pass will drop the mark when it finds the file gone"),
		)
	}
	e.logger.Info("file deleted",
		logging.String(logging.FieldEventType, "file_deleted"),
		logging.String(logging.FieldPass, pass),
		logging.String(logging.FieldPath, path),
		logging.Bytes("size", info.Size()),
		logging.Time("modified", info.ModTime()),
	)
	return info.Size(), nil
}

func (e *Engine) deleteFailed(pass, path string, err error) {
	e.sink.Error("retention", "delete")
	hint := "check file ownership and permissions"
	if errors.Is(err, fs.ErrNotExist) {
		hint = "file disappeared during the pass"
	}
	logging.WarnWithContext(e.logger, "retention delete failed", "retention_delete_failed",
		logging.String(logging.FieldPass, pass),
		logging.String(logging.FieldPath, path),
		logging.Error(err),
		logging.String(logging.FieldErrorHint, hint),
		logging.String(logging.FieldImpact, "file kept; pass continues"),
	)
}

func (e *Engine) report(r Result) Result {
	e.sink.RetentionPass(metrics.PassSummary{
		Pass:         r.Pass,
		FilesDeleted: r.FilesDeleted,
		BytesFreed:   r.BytesFreed,
		Errors:       r.Errors,
		Skipped:      r.Skipped,
	})
	if r.FilesDeleted > 0 || r.Errors > 0 {
		e.logger.Info("retention pass complete",
			logging.String(logging.FieldEventType, "retention_pass_complete"),
			logging.String(logging.FieldPass, r.Pass),
			logging.Int("files_deleted", r.FilesDeleted),
			logging.Bytes("freed", r.BytesFreed),
			logging.Int("errors", r.Errors),
			logging.Int("skipped", r.Skipped),
		)
	}
	return r
}
