package domain

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a manual trigger job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ErrInvalidTransition is returned for a job status change the lifecycle does
// not allow.
var ErrInvalidTransition = errors.New("invalid job status transition")

var jobTransitions = map[JobStatus][]JobStatus{
	"":           {JobQueued},
	JobQueued:    {JobRunning, JobFailed},
	JobRunning:   {JobCompleted, JobFailed},
	JobCompleted: {},
	JobFailed:    {},
}

// ValidateJobTransition checks that a job may move from one status to another.
// The empty status stands for a job that has not been recorded yet.
func ValidateJobTransition(from, to JobStatus) error {
	allowed, ok := jobTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether no further transitions are allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobRequest is a decoded manual trigger payload.
type JobRequest struct {
	JobID       string `json:"job_id"`
	TriggeredBy string `json:"triggered_by"`
	SourceID    string `json:"source_id,omitempty"`
}

// Job is the status record of a manual trigger.
type Job struct {
	ID               string
	Status           JobStatus
	TriggeredBy      string
	SourceID         string
	QueuedAt         time.Time
	StartedAt        time.Time
	CompletedAt      time.Time
	MessagesIngested *int
	FailedSources    []string
	Error            string
}
