package ipc

import (
	"ferry/internal/daemon"
	"ferry/internal/queue"
	"ferry/internal/retention"
)

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse is the daemon status snapshot.
type StatusResponse = daemon.Status

// QueueListRequest lists queued entries.
type QueueListRequest struct{}

// QueueListResponse contains queue entries, oldest first.
type QueueListResponse struct {
	Entries []queue.Entry `json:"entries"`
}

// QueueAddRequest enqueues files. An empty SourceTag is inferred from the
// source directory containing each path.
type QueueAddRequest struct {
	Paths     []string `json:"paths"`
	SourceTag string   `json:"source_tag"`
}

// QueueAddResult reports the outcome for one path.
type QueueAddResult struct {
	Path    string `json:"path"`
	Created bool   `json:"created"`
	Error   string `json:"error,omitempty"`
}

// QueueAddResponse reports per-path outcomes.
type QueueAddResponse struct {
	Results []QueueAddResult `json:"results"`
}

// UploadNowRequest asks for an immediate upload cycle. Force bypasses the
// operational-hours window.
type UploadNowRequest struct {
	Force bool `json:"force"`
}

// UploadNowResponse acknowledges the trigger.
type UploadNowResponse struct {
	Triggered bool   `json:"triggered"`
	Message   string `json:"message"`
}

// RetentionRunRequest runs one retention pass, or all when Pass is empty.
type RetentionRunRequest struct {
	Pass string `json:"pass"`
}

// RetentionRunResponse carries one result per pass that ran.
type RetentionRunResponse struct {
	Results []retention.Result `json:"results"`
}
