package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ferry/internal/config"
	"ferry/internal/logging"
)

// Trigger reasons.
const (
	ReasonScheduled    = "scheduled"
	ReasonConnectivity = "connectivity"
	ReasonManual       = "manual"
	ReasonDiscovery    = "discovery"
)

// Trigger asks for an upload cycle outside the cadence. Force bypasses the
// operational-hours window.
type Trigger struct {
	Reason string
	Force  bool
}

// Hooks are the activities the scheduler drives.
type Hooks struct {
	Upload    func(ctx context.Context, t Trigger)
	Retention func(ctx context.Context)
}

// Status is a snapshot of scheduler state.
type Status struct {
	Cadence       string    `json:"cadence"`
	NextScheduled time.Time `json:"next_scheduled"`
	LastUpload    time.Time `json:"last_upload,omitzero"`
	LastRetention time.Time `json:"last_retention,omitzero"`
	Uploading     bool      `json:"uploading"`
	WindowOpen    bool      `json:"window_open"`
}

// Scheduler runs upload cycles on a cadence and on demand, and retention
// passes on their own interval. Scheduled cycles always run; opportunistic
// triggers outside the operational-hours window are dropped unless forced.
// Triggers arriving while a cycle runs collapse into one follow-up cycle.
type Scheduler struct {
	cadence        Cadence
	window         Window
	retentionEvery time.Duration
	hooks          Hooks
	logger         *slog.Logger
	now            func() time.Time
	triggers       chan Trigger

	mu     sync.Mutex
	status Status
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithCadence overrides the configured cadence.
func WithCadence(c Cadence) Option {
	return func(s *Scheduler) { s.cadence = c }
}

// WithRetentionInterval overrides retention.interval_minutes.
func WithRetentionInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.retentionEvery = d }
}

// WithClock overrides time.Now for window decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logging.NewComponentLogger(logger, "scheduler") }
}

// New builds a scheduler from the schedule and retention configuration.
func New(cfg *config.Config, hooks Hooks, opts ...Option) (*Scheduler, error) {
	if cfg == nil {
		return nil, errors.New("schedule: config is required")
	}
	if hooks.Upload == nil {
		return nil, errors.New("schedule: upload hook is required")
	}
	window, err := NewWindow(cfg.Schedule.OperationalHours)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		window:         window,
		retentionEvery: cfg.RetentionInterval(),
		hooks:          hooks,
		logger:         logging.NewComponentLogger(nil, "scheduler"),
		now:            time.Now,
		triggers:       make(chan Trigger, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cadence == nil {
		if s.cadence, err = CadenceFromConfig(cfg.Schedule); err != nil {
			return nil, err
		}
	}
	s.status.Cadence = s.cadence.String()
	return s, nil
}

// Trigger requests an upload cycle. It never blocks: a trigger that arrives
// while another is pending is merged into it, keeping Force if either had it.
func (s *Scheduler) Trigger(t Trigger) {
	for {
		select {
		case s.triggers <- t:
			return
		default:
		}
		select {
		case pending := <-s.triggers:
			if pending.Force && !t.Force {
				t = pending
			}
		default:
		}
	}
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	st.WindowOpen = s.window.Contains(s.now())
	return st
}

// Run drives both loops until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.uploadLoop(ctx) })
	if s.hooks.Retention != nil && s.retentionEvery > 0 {
		g.Go(func() error { return s.retentionLoop(ctx) })
	}
	return g.Wait()
}

func (s *Scheduler) uploadLoop(ctx context.Context) error {
	next := s.cadence.Next(time.Now())
	s.setNext(next)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	s.logger.Info("upload schedule armed",
		logging.String(logging.FieldEventType, "schedule_armed"),
		logging.String("cadence", s.cadence.String()),
		logging.Time("next_run", next),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			s.runUpload(ctx, Trigger{Reason: ReasonScheduled, Force: true})
			next = s.cadence.Next(time.Now())
			s.setNext(next)
			timer.Reset(time.Until(next))
		case t := <-s.triggers:
			if !t.Force && !s.window.Contains(s.now()) {
				s.logger.Info("upload trigger outside operational hours; skipped",
					logging.String(logging.FieldEventType, "trigger_suppressed"),
					logging.String("reason", t.Reason),
				)
				continue
			}
			s.runUpload(ctx, t)
		}
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.retentionEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.hooks.Retention(ctx)
			s.mu.Lock()
			s.status.LastRetention = time.Now()
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) runUpload(ctx context.Context, t Trigger) {
	s.mu.Lock()
	s.status.Uploading = true
	s.mu.Unlock()

	s.logger.Debug("upload cycle triggered", logging.String("reason", t.Reason), logging.Bool("force", t.Force))
	s.hooks.Upload(ctx, t)

	s.mu.Lock()
	s.status.Uploading = false
	s.status.LastUpload = time.Now()
	s.mu.Unlock()
}

func (s *Scheduler) setNext(next time.Time) {
	s.mu.Lock()
	s.status.NextScheduled = next
	s.mu.Unlock()
}
