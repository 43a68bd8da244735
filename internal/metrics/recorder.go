package metrics

import (
	"maps"
	"sync"
)

// Totals is a point-in-time copy of a Recorder's counters.
type Totals struct {
	Uploaded        int            `json:"uploaded"`
	Deduplicated    int            `json:"deduplicated"`
	BytesUploaded   int64          `json:"bytes_uploaded"`
	RetryableErrors int            `json:"retryable_errors"`
	TerminalFailed  int            `json:"terminal_failed"`
	QueueDepth      int            `json:"queue_depth"`
	FilesDeleted    map[string]int `json:"files_deleted"`
	BytesFreed      int64          `json:"bytes_freed"`
	Emergencies     int            `json:"emergencies"`
	Errors          map[string]int `json:"errors"`
}

// Recorder aggregates events in memory. The daemon uses one built with
// NewCounter for status reporting; tests use NewRecorder to also keep every
// event for assertions.
type Recorder struct {
	mu         sync.Mutex
	keepEvents bool
	totals     Totals

	successes []UploadEvent
	failures  []UploadEvent
	passes    []PassSummary
	emergency []EmergencyEvent
}

// NewRecorder returns a recorder that keeps every event.
func NewRecorder() *Recorder {
	r := NewCounter()
	r.keepEvents = true
	return r
}

// NewCounter returns a recorder that only aggregates totals.
func NewCounter() *Recorder {
	return &Recorder{totals: Totals{
		FilesDeleted: make(map[string]int),
		Errors:       make(map[string]int),
	}}
}

func (r *Recorder) UploadSucceeded(e UploadEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Deduplicated {
		r.totals.Deduplicated++
	} else {
		r.totals.Uploaded++
		r.totals.BytesUploaded += e.Bytes
	}
	if r.keepEvents {
		r.successes = append(r.successes, e)
	}
}

func (r *Recorder) UploadFailed(e UploadEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Terminal {
		r.totals.TerminalFailed++
	} else {
		r.totals.RetryableErrors++
	}
	if r.keepEvents {
		r.failures = append(r.failures, e)
	}
}

func (r *Recorder) QueueDepth(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.QueueDepth = n
}

func (r *Recorder) RetentionPass(p PassSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.FilesDeleted[p.Pass] += p.FilesDeleted
	r.totals.BytesFreed += p.BytesFreed
	if r.keepEvents {
		r.passes = append(r.passes, p)
	}
}

func (r *Recorder) EmergencyTriggered(e EmergencyEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.Emergencies++
	if r.keepEvents {
		r.emergency = append(r.emergency, e)
	}
}

func (r *Recorder) Error(component, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.totals.Errors[component+"/"+kind]++
}

// Successes returns recorded upload successes.
func (r *Recorder) Successes() []UploadEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UploadEvent(nil), r.successes...)
}

// Failures returns recorded upload failures.
func (r *Recorder) Failures() []UploadEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]UploadEvent(nil), r.failures...)
}

// TerminalFailures returns failures that removed the file from the queue.
func (r *Recorder) TerminalFailures() []UploadEvent {
	var out []UploadEvent
	for _, e := range r.Failures() {
		if e.Terminal {
			out = append(out, e)
		}
	}
	return out
}

// Passes returns recorded retention summaries.
func (r *Recorder) Passes() []PassSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PassSummary(nil), r.passes...)
}

// Emergencies returns recorded emergency triggers.
func (r *Recorder) Emergencies() []EmergencyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]EmergencyEvent(nil), r.emergency...)
}

// ErrorCount returns how often component reported kind.
func (r *Recorder) ErrorCount(component, kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals.Errors[component+"/"+kind]
}

// Totals returns a copy of the aggregated counters.
func (r *Recorder) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.totals
	t.FilesDeleted = maps.Clone(r.totals.FilesDeleted)
	t.Errors = maps.Clone(r.totals.Errors)
	return t
}
