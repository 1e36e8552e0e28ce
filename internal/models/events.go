package models

import "time"

// EventType names the fixed set of payload shapes published on the
// EventBus.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventLog       EventType = "log"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventJobUpdate EventType = "job-update"
)

// ProgressEvent mirrors one ProgressDelta forwarded live to subscribers.
type ProgressEvent struct {
	JobID      string  `json:"jobId"`
	Stage      Stage   `json:"stage,omitempty"`
	Progress   float64 `json:"progress"`
	Speed      string  `json:"speed,omitempty"`
	ETA        *int64  `json:"eta,omitempty"`
	TotalBytes *uint64 `json:"totalBytes,omitempty"`
}

// LogEvent carries one unparsed adapter output line.
type LogEvent struct {
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// CompletedEvent is published exactly once per successful run.
type CompletedEvent struct {
	JobID      string `json:"jobId"`
	Filename   string `json:"filename"`
	Size       uint64 `json:"size"`
	OutputPath string `json:"outputPath"`
}

// FailedEvent is published exactly once per failed run.
type FailedEvent struct {
	JobID     string    `json:"jobId"`
	ErrorCode ErrorCode `json:"errorCode"`
	Message   string    `json:"message"`
}

// JobUpdateEvent is the aggregate coarse update (status and/or stage/progress).
type JobUpdateEvent struct {
	JobID    string   `json:"jobId"`
	Status   *Status  `json:"status,omitempty"`
	Stage    *Stage   `json:"stage,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

// ProgressDelta is what an adapter's ParseLine or poll Snapshot produces —
// a sparse update to a job's live progress fields. Only non-nil fields are
// applied.
type ProgressDelta struct {
	Progress     *float64
	Stage        Stage
	Speed        string
	ETA          *int64
	TotalBytes   *uint64
	PhaseMessage string
}
