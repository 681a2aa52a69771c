package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/pmpilot/internal/api/response"
	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// JobReader defines the job queries the handlers depend on.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListSessionJobs(ctx context.Context, sessionID string) ([]*models.Job, error)
}

// StatusReader reads the short-lived job status mirror kept by the notifier.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID string) (models.JobStatus, bool, error)
}

type jobStatusResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	Source string           `json:"source"`
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
// The cached status is served when present; otherwise the store is read.
func NewJobStatusHandler(statuses StatusReader, jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if !validID(jobID) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		status, ok, err := statuses.GetJobStatus(r.Context(), jobID)
		if err != nil {
			slog.Warn("reading cached job status failed", "job_id", jobID, "error", err)
		}
		if err == nil && ok {
			response.JSON(w, jobStatusResponse{JobID: jobID, Status: status, Source: "cache"})
			return
		}

		job, err := jobs.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			slog.Error("loading job failed", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, jobStatusResponse{JobID: jobID, Status: job.Status, Source: "store"})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if !validID(jobID) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		job, err := jobs.GetJob(r.Context(), jobID)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			slog.Error("loading job failed", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewSessionJobsHandler returns an http.HandlerFunc for GET /api/v1/sessions/{sessionID}/jobs.
func NewSessionJobsHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if !validID(sessionID) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid session id", nil)
			return
		}

		list, err := jobs.ListSessionJobs(r.Context(), sessionID)
		if err != nil {
			slog.Error("listing session jobs failed", "session_id", sessionID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}
		response.List(w, list, len(list))
	}
}
