package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrMissingRunID = errors.New("transition to running requires an external run id")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All job persistence goes through here.
//
// TransitionJob is the only way to change a job's status. It is a guarded write: it
// applies only if the job's current status is one of from, and reports applied=false
// (with a nil error) when another writer got there first.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListSessionJobs(ctx context.Context, sessionID string) ([]*models.Job, error)

	TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, opts ...JobUpdateOption) (bool, error)
	TouchPolled(ctx context.Context, id string, at time.Time) error
	RecordPush(ctx context.Context, id string, at time.Time) (bool, error)

	ListPollableJobs(ctx context.Context, filter PollFilter) ([]*models.Job, error)
	ListStaleJobs(ctx context.Context, createdBefore time.Time) ([]*models.Job, error)
}

// PollFilter selects the jobs one reconciliation sweep should check:
// running, dispatched, younger than the timeout, and not pushed within the grace period.
type PollFilter struct {
	Now         time.Time
	Timeout     time.Duration
	GracePeriod time.Duration
	Limit       int
}

// CreatedAfter is the lower bound on created_at for pollable jobs.
func (f PollFilter) CreatedAfter() time.Time {
	return f.Now.Add(-f.Timeout)
}

// PushedBefore is the upper bound on pushed_at for pollable jobs.
func (f PollFilter) PushedBefore() time.Time {
	return f.Now.Add(-f.GracePeriod)
}

// Matches reports whether job satisfies the poll predicate.
func (f PollFilter) Matches(job *models.Job) bool {
	if job.Status != models.JobStatusRunning || job.ExternalRunID == nil {
		return false
	}
	if !job.CreatedAt.After(f.CreatedAfter()) {
		return false
	}
	return job.PushedAt == nil || job.PushedAt.Before(f.PushedBefore())
}

type jobUpdateParams struct {
	RunID        *int64
	Results      map[string]any
	ErrorMessage *string
	PushedAt     *time.Time
}

type JobUpdateOption func(*jobUpdateParams)

func WithRunID(id int64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.RunID = &id
	}
}

func WithResults(results map[string]any) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Results = results
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

func WithPushedAt(at time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.PushedAt = &at
	}
}

var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusPending: {models.JobStatusRunning, models.JobStatusCompleted, models.JobStatusFailed},
	models.JobStatusRunning: {models.JobStatusCompleted, models.JobStatusFailed},
}

// checkTransition validates a requested transition before any write is attempted.
func checkTransition(from []models.JobStatus, to models.JobStatus, params *jobUpdateParams) error {
	if len(from) == 0 {
		return fmt.Errorf("%w: no expected prior status", ErrInvalidTransition)
	}
	for _, f := range from {
		allowed := false
		for _, a := range validTransitions[f] {
			if a == to {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f, to)
		}
	}
	if to == models.JobStatusRunning && params.RunID == nil {
		return ErrMissingRunID
	}
	return nil
}

func applyOptions(opts []JobUpdateOption) *jobUpdateParams {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}
