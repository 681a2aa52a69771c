package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/internal/workflow"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// LaunchRequest describes a workflow run to start on behalf of a chat turn.
type LaunchRequest struct {
	Kind      models.JobKind
	Workflow  string
	SessionID string
	TurnID    string
	Inputs    map[string]string
}

// Launcher creates jobs and dispatches their workflow runs.
type Launcher struct {
	store    store.Store
	runner   workflow.Client
	notifier Notifier
	now      func() time.Time
}

// NewLauncher creates a Launcher. A nil notifier disables notifications.
func NewLauncher(st store.Store, runner workflow.Client, notifier Notifier) *Launcher {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Launcher{
		store:    st,
		runner:   runner,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Launch persists a PENDING job, triggers its workflow, and moves it to RUNNING
// together with the run id. If the trigger fails the job is moved to FAILED and
// returned along with the trigger error, so callers can report both.
func (l *Launcher) Launch(ctx context.Context, req LaunchRequest) (*models.Job, error) {
	now := l.now()
	job := &models.Job{
		ID:        uuid.NewString(),
		Kind:      req.Kind,
		Status:    models.JobStatusPending,
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		Workflow:  req.Workflow,
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.Inputs = make(map[string]string, len(req.Inputs)+3)
	maps.Copy(job.Inputs, req.Inputs)
	job.Inputs["job_id"] = job.ID
	job.Inputs["session_id"] = req.SessionID
	job.Inputs["turn_id"] = req.TurnID

	if err := l.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	l.notifier.JobChanged(ctx, job)

	runID, triggerErr := l.runner.Trigger(ctx, req.Workflow, job.Inputs)

	// The turn's context may already be cancelled; the job must still settle.
	writeCtx := context.WithoutCancel(ctx)

	if triggerErr != nil {
		slog.Warn("workflow trigger failed", "job_id", job.ID, "workflow", req.Workflow, "error", triggerErr)
		_, err := l.store.TransitionJob(writeCtx, job.ID, []models.JobStatus{models.JobStatusPending},
			models.JobStatusFailed, store.WithErrorMessage(triggerErr.Error()))
		if err != nil {
			return job, fmt.Errorf("marking job failed after trigger error %v: %w", triggerErr, err)
		}
		return l.reload(writeCtx, job), fmt.Errorf("triggering workflow %s: %w", req.Workflow, triggerErr)
	}

	applied, err := l.store.TransitionJob(writeCtx, job.ID, []models.JobStatus{models.JobStatusPending},
		models.JobStatusRunning, store.WithRunID(runID))
	if err != nil {
		return job, fmt.Errorf("marking job running: %w", err)
	}
	if !applied {
		// A push settled the job before the run id was recorded.
		slog.Info("job settled before dispatch was recorded", "job_id", job.ID, "run_id", runID)
	}
	slog.Info("job dispatched", "job_id", job.ID, "kind", job.Kind, "run_id", runID)
	return l.reload(writeCtx, job), nil
}

// reload fetches the job's current state and notifies about it. If the read
// fails the last known copy is returned.
func (l *Launcher) reload(ctx context.Context, job *models.Job) *models.Job {
	fresh, err := l.store.GetJob(ctx, job.ID)
	if err != nil {
		slog.Warn("reloading job failed", "job_id", job.ID, "error", err)
		return job
	}
	l.notifier.JobChanged(ctx, fresh)
	return fresh
}
