package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// Push is a validated completion notice delivered by the workflow run itself.
// A push carrying neither results nor an error is a heartbeat.
type Push struct {
	Results map[string]any `json:"results,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// IntakeResult reports whether a push changed the job, and its current state.
type IntakeResult struct {
	Applied bool
	Job     *models.Job
}

// Intake applies pushed completion notices.
type Intake struct {
	store    store.Store
	notifier Notifier
	now      func() time.Time
}

// NewIntake creates an Intake. A nil notifier disables notifications.
func NewIntake(st store.Store, notifier Notifier) *Intake {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Intake{
		store:    st,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Apply writes push to the job. A job that is already terminal is left as it
// is and reported with Applied=false; duplicate and late pushes are expected.
// An unknown job id returns store.ErrNotFound.
func (i *Intake) Apply(ctx context.Context, jobID string, push Push) (IntakeResult, error) {
	now := i.now()

	var (
		applied bool
		err     error
	)
	switch {
	case push.Error != "":
		applied, err = i.store.TransitionJob(ctx, jobID, models.ActiveStatuses, models.JobStatusFailed,
			store.WithErrorMessage(push.Error), store.WithPushedAt(now))
	case push.Results != nil:
		applied, err = i.store.TransitionJob(ctx, jobID, models.ActiveStatuses, models.JobStatusCompleted,
			store.WithResults(push.Results), store.WithPushedAt(now))
	default:
		applied, err = i.store.RecordPush(ctx, jobID, now)
	}
	if err != nil {
		return IntakeResult{}, fmt.Errorf("applying push: %w", err)
	}

	job, err := i.store.GetJob(ctx, jobID)
	if err != nil {
		return IntakeResult{}, fmt.Errorf("loading job: %w", err)
	}

	if applied {
		slog.Info("push applied", "job_id", jobID, "status", job.Status)
		if job.Status.Terminal() {
			i.notifier.JobChanged(ctx, job)
		}
	} else {
		slog.Info("push ignored, job already settled", "job_id", jobID, "status", job.Status)
	}
	return IntakeResult{Applied: applied, Job: job}, nil
}
