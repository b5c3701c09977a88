package models

import "time"

// Status is the client-visible lifecycle tag of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Terminal reports whether no further events follow a status.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// EventType names the progress channel message.
type EventType string

const (
	EventProgress EventType = "upload.progress"
	EventDone     EventType = "upload.done"
	EventError    EventType = "upload.error"
)

// Event is one progress channel message for a job.
type Event struct {
	JobID     string    `json:"jobId"`
	Type      EventType `json:"type"`
	Status    Status    `json:"status"`
	Percent   *int      `json:"percent,omitempty"`
	Text      string    `json:"text,omitempty"`
	VendorID  string    `json:"vendorId,omitempty"`
	PlayerURL string    `json:"playerUrl,omitempty"`
	Error     string    `json:"error,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	At        time.Time `json:"at"`
}

// Terminal reports whether the event closes the job's stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// JobState is the latest known state of a job.
type JobState struct {
	JobID      string     `json:"jobId"`
	SourceType string     `json:"sourceType"`
	Scope      Scope      `json:"scope"`
	TargetID   string     `json:"targetId"`
	Status     Status     `json:"status"`
	Percent    int        `json:"percent"`
	Text       string     `json:"text,omitempty"`
	VendorID   string     `json:"vendorId,omitempty"`
	VendorPath string     `json:"vendorPath,omitempty"`
	PlayerURL  string     `json:"playerUrl,omitempty"`
	Error      string     `json:"error,omitempty"`
	Kind       string     `json:"kind,omitempty"`
	QueuedAt   time.Time  `json:"queuedAt"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
