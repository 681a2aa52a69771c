package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/pmpilot/internal/api/response"
	"github.com/kiranshivaraju/pmpilot/internal/jobs"
	"github.com/kiranshivaraju/pmpilot/internal/store"
)

// PushApplier applies validated push callbacks to jobs.
type PushApplier interface {
	Apply(ctx context.Context, jobID string, push jobs.Push) (jobs.IntakeResult, error)
}

type webhookResponse struct {
	JobID   string `json:"job_id"`
	Applied bool   `json:"applied"`
	Status  string `json:"status"`
}

// NewWebhookHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/webhook.
// A push for a job that has already settled is acknowledged with applied=false.
func NewWebhookHandler(intake PushApplier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if !validID(jobID) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid job id", nil)
			return
		}

		var push jobs.Push
		if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		res, err := intake.Apply(r.Context(), jobID, push)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			slog.Error("applying push failed", "job_id", jobID, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
			return
		}

		response.JSON(w, webhookResponse{
			JobID:   jobID,
			Applied: res.Applied,
			Status:  string(res.Job.Status),
		})
	}
}
