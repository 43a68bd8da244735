package metrics

import "time"

// Failure reasons carried on UploadEvent.Reason.
const (
	ReasonRetryable = "retryable"
	ReasonPermanent = "permanent"
	ReasonExhausted = "exhausted"
)

// UploadEvent describes one finished upload attempt.
type UploadEvent struct {
	Path      string
	SourceTag string
	Key       string
	Attempts  int
	Bytes     int64
	Duration  time.Duration
	// Deduplicated is set when the registry already held the content hash.
	Deduplicated bool
	Multipart    bool
	// Terminal is set when the file leaves the queue without being uploaded.
	Terminal bool
	Reason   string
	Err      error
}

// PassSummary is the result of one retention pass.
type PassSummary struct {
	Pass         string
	FilesDeleted int
	BytesFreed   int64
	Errors       int
	Skipped      int
}

// EmergencyEvent reports an emergency cleanup trigger.
type EmergencyEvent struct {
	UsagePercent     float64
	ThresholdPercent float64
	UsageAfter       float64
	// Resolved is false when usage stayed at or above the threshold after the pass.
	Resolved bool
}

// Sink receives structured events from every component. Implementations
// must be safe for concurrent use and must not block.
type Sink interface {
	UploadSucceeded(UploadEvent)
	UploadFailed(UploadEvent)
	QueueDepth(int)
	RetentionPass(PassSummary)
	EmergencyTriggered(EmergencyEvent)
	// Error counts an absorbed error. Every error path that does not stop the
	// daemon reports here.
	Error(component, kind string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) UploadSucceeded(UploadEvent)       {}
func (Nop) UploadFailed(UploadEvent)          {}
func (Nop) QueueDepth(int)                    {}
func (Nop) RetentionPass(PassSummary)         {}
func (Nop) EmergencyTriggered(EmergencyEvent) {}
func (Nop) Error(string, string)              {}

// Multi fans events out to several sinks.
type Multi []Sink

// NewMulti drops nil sinks.
func NewMulti(sinks ...Sink) Multi {
	out := make(Multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m Multi) UploadSucceeded(e UploadEvent) {
	for _, s := range m {
		s.UploadSucceeded(e)
	}
}

func (m Multi) UploadFailed(e UploadEvent) {
	for _, s := range m {
		s.UploadFailed(e)
	}
}

func (m Multi) QueueDepth(n int) {
	for _, s := range m {
		s.QueueDepth(n)
	}
}

func (m Multi) RetentionPass(p PassSummary) {
	for _, s := range m {
		s.RetentionPass(p)
	}
}

func (m Multi) EmergencyTriggered(e EmergencyEvent) {
	for _, s := range m {
		s.EmergencyTriggered(e)
	}
}

func (m Multi) Error(component, kind string) {
	for _, s := range m {
		s.Error(component, kind)
	}
}

// OrNop returns s, or Nop when s is nil.
func OrNop(s Sink) Sink {
	if s == nil {
		return Nop{}
	}
	return s
}
