package schedule

import (
	"fmt"
	"time"

	"github.com/gorhill/cronexpr"

	"ferry/internal/config"
)

// Cadence decides when the next scheduled upload cycle runs.
type Cadence interface {
	Next(after time.Time) time.Time
	String() string
}

// Daily fires once a day at a local wall-clock time.
type Daily struct {
	expr *cronexpr.Expression
	at   string
}

// NewDaily parses "HH:MM".
func NewDaily(clock string) (*Daily, error) {
	hour, minute, err := config.ParseClock(clock)
	if err != nil {
		return nil, err
	}
	expr, err := cronexpr.Parse(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return nil, fmt.Errorf("daily schedule %q: %w", clock, err)
	}
	return &Daily{expr: expr, at: clock}, nil
}

// Next returns the first occurrence strictly after after, in after's location.
func (d *Daily) Next(after time.Time) time.Time { return d.expr.Next(after) }

func (d *Daily) String() string { return "daily at " + d.at }

// Interval fires every Every.
type Interval struct {
	Every time.Duration
}

func (i Interval) Next(after time.Time) time.Time { return after.Add(i.Every) }

func (i Interval) String() string { return "every " + i.Every.String() }

// CadenceFromConfig builds the cadence selected by schedule.mode.
func CadenceFromConfig(cfg config.Schedule) (Cadence, error) {
	switch cfg.Mode {
	case config.ScheduleDaily:
		return NewDaily(cfg.DailyTime)
	case config.ScheduleInterval:
		if cfg.IntervalHours <= 0 {
			return nil, fmt.Errorf("schedule.interval_hours must be positive")
		}
		return Interval{Every: time.Duration(cfg.IntervalHours) * time.Hour}, nil
	default:
		return nil, fmt.Errorf("unsupported schedule mode %q", cfg.Mode)
	}
}
