package models

import (
	"time"
)

// JobKind identifies which workflow a job was dispatched to.
type JobKind string

const (
	JobKindAnalysis    JobKind = "analysis"
	JobKindExploration JobKind = "exploration"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether s is a final state. Terminal jobs are never rewritten.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// ActiveStatuses are the statuses a terminal transition may start from.
var ActiveStatuses = []JobStatus{JobStatusPending, JobStatusRunning}

// Job tracks work delegated to the external workflow runner. It is created by a tool
// call, advanced by the reconciliation poller or a webhook push, and never deleted here.
type Job struct {
	ID            string            `db:"id"              json:"id"`
	Kind          JobKind           `db:"kind"            json:"kind"`
	Status        JobStatus         `db:"status"          json:"status"`
	SessionID     string            `db:"session_id"      json:"session_id"`
	TurnID        string            `db:"turn_id"         json:"turn_id,omitempty"`
	Workflow      string            `db:"workflow"        json:"workflow"`
	Inputs        map[string]string `db:"inputs"          json:"inputs,omitempty"`
	ExternalRunID *int64            `db:"external_run_id" json:"external_run_id,omitempty"`
	Results       map[string]any    `db:"results"         json:"results,omitempty"`
	ErrorMessage  *string           `db:"error_message"   json:"error_message,omitempty"`
	LastPolledAt  *time.Time        `db:"last_polled_at"  json:"last_polled_at,omitempty"`
	PushedAt      *time.Time        `db:"pushed_at"       json:"pushed_at,omitempty"`
	CompletedAt   *time.Time        `db:"completed_at"    json:"completed_at,omitempty"`
	CreatedAt     time.Time         `db:"created_at"      json:"created_at"`
	UpdatedAt     time.Time         `db:"updated_at"      json:"updated_at"`
}

// Stale reports whether a still-active job has outlived maxAge.
func (j *Job) Stale(now time.Time, maxAge time.Duration) bool {
	return !j.Status.Terminal() && now.Sub(j.CreatedAt) >= maxAge
}
