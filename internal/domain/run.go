package domain

import (
	"errors"
	"time"
)

var (
	// ErrNoSources is returned when a run has nothing to ingest.
	ErrNoSources = errors.New("no sources to ingest")
	// ErrAllSourcesFailed is returned when every targeted source failed.
	ErrAllSourcesFailed = errors.New("all sources failed")
)

// RunPhase is the position of a run in the gate, ingest, index sequence.
type RunPhase string

const (
	PhaseIdle              RunPhase = "idle"
	PhaseGating            RunPhase = "gating"
	PhaseBackoff           RunPhase = "backoff"
	PhaseIngesting         RunPhase = "ingesting"
	PhaseIndexing          RunPhase = "indexing"
	PhaseDone              RunPhase = "done"
	PhaseSkippedMaxRetries RunPhase = "skipped_max_retries"
)

// RunState is the transient state of one scheduled or manual run.
type RunState struct {
	RetriesRemaining int
	Phase            RunPhase
	MessagesIngested int
}

// SourceResult is the outcome of ingesting one source. NewItems counts what
// was committed before Err, if any.
type SourceResult struct {
	Source   Source
	NewItems int
	Pages    int
	Err      error
}

// Failed reports whether the source stopped on an error.
func (r SourceResult) Failed() bool { return r.Err != nil }

// IngestReport collects the per-source results of one ingestion.
type IngestReport struct {
	Results []SourceResult
}

// Total is the number of new items across all sources, failed ones included.
func (r *IngestReport) Total() int {
	if r == nil {
		return 0
	}
	total := 0
	for _, res := range r.Results {
		total += res.NewItems
	}
	return total
}

// FailedSourceIDs lists the sources that ended in an error.
func (r *IngestReport) FailedSourceIDs() []string {
	if r == nil {
		return nil
	}
	var ids []string
	for _, res := range r.Results {
		if res.Failed() {
			ids = append(ids, res.Source.ID)
		}
	}
	return ids
}

// AllFailed reports whether the report is non-empty and every source failed.
func (r *IngestReport) AllFailed() bool {
	return r != nil && len(r.Results) > 0 && len(r.FailedSourceIDs()) == len(r.Results)
}

// FirstError returns the first source error, if any.
func (r *IngestReport) FirstError() error {
	if r == nil {
		return nil
	}
	for _, res := range r.Results {
		if res.Err != nil {
			return res.Err
		}
	}
	return nil
}

// GroupResult is the outcome of one index rebuild request.
type GroupResult struct {
	GroupID       string
	Status        string
	RemoteJobID   string
	ChunksCreated int
	Duration      time.Duration
	Err           error
}

// Succeeded reports whether the rebuild request was accepted.
func (r GroupResult) Succeeded() bool { return r.Err == nil }

// StatsDelta is an additive update to a group's stats after one page write.
type StatsDelta struct {
	GroupID       string
	SourceID      string
	NewItems      int
	NewestMessage int64 // unix milliseconds
}
