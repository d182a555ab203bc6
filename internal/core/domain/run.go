package domain

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// =============================================================================
// Deployment Runs
// =============================================================================

// RunStatus is the terminal outcome of one deployment run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run records one deployment run against one target. The session backing
// the run is owned exclusively by it and torn down when the run ends.
type Run struct {
	ID         string     `json:"id"`
	TargetHost string     `json:"target_host"`
	Project    string     `json:"project"`
	Status     RunStatus  `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewRunID generates a sortable unique run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// NewRun creates a running Run for the given target and project.
func NewRun(targetHost, project string) Run {
	return Run{
		ID:         NewRunID(),
		TargetHost: targetHost,
		Project:    project,
		Status:     RunStatusRunning,
		StartedAt:  time.Now().UTC(),
	}
}

// Finish marks the run finished, recording failure when err is non-nil.
func (r *Run) Finish(err error) {
	now := time.Now().UTC()
	r.FinishedAt = &now
	if err != nil {
		r.Status = RunStatusFailed
		r.Error = err.Error()
		return
	}
	r.Status = RunStatusSucceeded
}
