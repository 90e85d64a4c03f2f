// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and Controller.
package api

import "time"

// SubmitRunRequest is the request body for queueing a run.
type SubmitRunRequest struct {
	Name      string            `json:"name"`
	Scenarios []string          `json:"scenarios"`
	Switches  map[string]string `json:"switches,omitempty"`
	// Description defaults to "Scenarios: a, b" when empty.
	Description string `json:"description,omitempty"`
}

// SubmitRunResponse is the response body after queueing a run.
type SubmitRunResponse struct {
	JobID string `json:"job_id"`
}

// Job represents a run in API responses.
type Job struct {
	ID          string    `json:"id"`
	Owner       string    `json:"owner"`
	DisplayName string    `json:"display_name"`
	Status      string    `json:"status"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// ListJobsResponse is the response body for listing runs.
type ListJobsResponse struct {
	Jobs []Job `json:"jobs"`
}

// ScenarioLog is the engine log of one scenario.
type ScenarioLog struct {
	Scenario string `json:"scenario"`
	Content  string `json:"content"`
}

// LogsResponse is the response body for fetching logs.
type LogsResponse struct {
	Logs []ScenarioLog `json:"logs"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Job statuses as they appear on the wire.
const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusError     = "ERROR"
)
