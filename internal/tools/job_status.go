package tools

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
)

// JobReader loads jobs by id.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
}

// JobStatusTool handles get_job_status.
type JobStatusTool struct {
	jobs    JobReader
	timeout time.Duration
	now     func() time.Time
}

// NewJobStatusTool creates a JobStatusTool. Active jobs older than timeout are flagged stale.
func NewJobStatusTool(jobs JobReader, timeout time.Duration) *JobStatusTool {
	return &JobStatusTool{
		jobs:    jobs,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *JobStatusTool) Definition() mcp.Tool {
	return mcp.NewTool("get_job_status",
		mcp.WithDescription("Check the status of a job started earlier in this conversation and read its results once it has completed."),
		mcp.WithString("job_id",
			mcp.Required(),
			mcp.Description("The job id returned when the job was started"),
		),
	)
}

func (t *JobStatusTool) Run(ctx context.Context, args map[string]any, inv Invocation) Result {
	id := strings.TrimSpace(stringArg(args, "job_id"))
	if id == "" {
		return ErrorResult("'job_id' is required")
	}

	job, err := t.jobs.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return ErrorResult("job not found: " + id)
	}
	if err != nil {
		slog.Warn("loading job for status tool failed", "job_id", id, "error", err)
		return ErrorResult("could not load job " + id)
	}
	// Jobs are only visible to the session that started them.
	if inv.SessionID != "" && job.SessionID != inv.SessionID {
		return ErrorResult("job not found: " + id)
	}

	payload := map[string]any{
		"job_id":     job.ID,
		"kind":       job.Kind,
		"status":     job.Status,
		"stale":      job.Stale(t.now(), t.timeout),
		"created_at": job.CreatedAt,
	}
	if job.Results != nil {
		payload["results"] = job.Results
	}
	if job.ErrorMessage != nil {
		payload["error_message"] = *job.ErrorMessage
	}
	if job.CompletedAt != nil {
		payload["completed_at"] = *job.CompletedAt
	}
	return Result{Payload: payload}
}
