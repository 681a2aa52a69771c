package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/pmpilot/internal/api/middleware"
	"github.com/kiranshivaraju/pmpilot/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	RateLimit *mw.RateLimit
	Webhook   *mw.WebhookSignature

	HealthHandler         http.HandlerFunc
	ChatTurnHandler       http.HandlerFunc
	SessionJobsHandler    http.HandlerFunc
	SessionEventsHandler  http.HandlerFunc
	SessionHistoryHandler http.HandlerFunc
	GetJobHandler         http.HandlerFunc
	JobStatusHandler      http.HandlerFunc
	WebhookHandler        http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Route("/api/v1/sessions/{sessionID}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if deps.RateLimit != nil {
				r.Use(deps.RateLimit.Limit)
			}
			r.Post("/turns", orNotImplemented(deps.ChatTurnHandler))
		})
		r.Get("/jobs", orNotImplemented(deps.SessionJobsHandler))
		r.Get("/events", orNotImplemented(deps.SessionEventsHandler))
		r.Get("/history", orNotImplemented(deps.SessionHistoryHandler))
	})

	r.Route("/api/v1/jobs/{jobID}", func(r chi.Router) {
		r.Get("/", orNotImplemented(deps.GetJobHandler))
		r.Get("/status", orNotImplemented(deps.JobStatusHandler))
		r.Group(func(r chi.Router) {
			if deps.Webhook != nil {
				r.Use(deps.Webhook.Verify)
			}
			r.Post("/webhook", orNotImplemented(deps.WebhookHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
