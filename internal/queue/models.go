package queue

import "time"

// DefaultMaxAttempts is the attempt ceiling used when none is configured.
const DefaultMaxAttempts = 10

// Entry is one pending upload. Path is absolute and unique within the queue.
type Entry struct {
	Path          string    `json:"path"`
	SourceTag     string    `json:"source_tag"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	Size          int64     `json:"size"`
}

// snapshot is the on-disk document.
type snapshot struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

const snapshotVersion = 1

// less orders entries oldest first with the path as tiebreak.
func less(a, b Entry) bool {
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return a.Path < b.Path
}
