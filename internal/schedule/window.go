package schedule

import (
	"time"

	"ferry/internal/config"
)

// Window is the daily local-time range in which opportunistic uploads may
// run. End before Start wraps midnight; Start equal to End covers the whole
// day.
type Window struct {
	Enabled bool
	start   int
	end     int
}

// NewWindow parses the operational-hours configuration.
func NewWindow(cfg config.OperationalHours) (Window, error) {
	if !cfg.Enabled {
		return Window{}, nil
	}
	sh, sm, err := config.ParseClock(cfg.Start)
	if err != nil {
		return Window{}, err
	}
	eh, em, err := config.ParseClock(cfg.End)
	if err != nil {
		return Window{}, err
	}
	return Window{Enabled: true, start: sh*60 + sm, end: eh*60 + em}, nil
}

// Contains reports whether t falls inside the window. A disabled window
// contains every instant.
func (w Window) Contains(t time.Time) bool {
	if !w.Enabled || w.start == w.end {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}
