// Package store contains the database layer for runplane.
package store

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a job or queue entry does not exist.
var ErrNotFound = errors.New("not found")

// Job represents one requested simulation run.
// All operations must be scoped by Owner.
type Job struct {
	ID          uuid.UUID
	Owner       string
	DisplayName string
	CreatedAt   time.Time
	Status      JobStatus
	Description string
	OutputDir   string // Base directory of the run's filesystem layout
}

// QueueEntry is the durable, not-yet-started input of a job.
// It exists if and only if the matching job is QUEUED.
type QueueEntry struct {
	Seq     int64
	ID      uuid.UUID
	Owner   string
	Payload json.RawMessage
}

// JobStatus represents the state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusError     JobStatus = "ERROR"
)

// Valid reports whether s is one of the closed set of statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusError:
		return true
	}
	return false
}

// Terminal reports whether no further transition can happen.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}
