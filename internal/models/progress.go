package models

import "time"

// Message types pushed over the websocket.
const (
	MessageJobProgress = "job_progress"
	MessageStateChange = "state_change"
)

// ProgressUpdate reports what a background job is doing.
type ProgressUpdate struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Message string `json:"message"`
	Status  string `json:"status"` // "in_progress", "completed", "failed"
	Done    bool   `json:"done"`
}

// StateChange reports an update state machine transition.
type StateChange struct {
	Type string    `json:"type"`
	Slug string    `json:"slug"`
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}
