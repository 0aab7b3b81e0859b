package trace

import "time"

// Session represents one loaded recording.
type Session struct {
	ID        string     `json:"id"`
	Metadata  string     `json:"metadata"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	RunCount  int        `json:"run_count,omitempty"`
}

// Run represents one analysis of the recording (one batch emotion job).
type Run struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Filename   string    `json:"filename,omitempty"`
	JobID      string    `json:"job_id,omitempty"`
	Labels     int       `json:"labels,omitempty"`
	Status     string    `json:"status"`
	Message    string    `json:"message,omitempty"`
	SpanCount  int       `json:"span_count,omitempty"`
}

// Span represents one stage of a job: submit, poll, predictions, extract.
type Span struct {
	ID         string    `json:"id"`
	RunID      string    `json:"run_id"`
	Name       string    `json:"name"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs float64   `json:"duration_ms"`
	Input      string    `json:"input,omitempty"`
	Output     string    `json:"output,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Run and span statuses.
const (
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
	StatusStale   = "stale"
	StatusEmpty   = "empty"
)
