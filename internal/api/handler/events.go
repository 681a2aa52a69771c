package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/pmpilot/internal/api/response"
	"github.com/kiranshivaraju/pmpilot/internal/cache"
)

const keepAliveInterval = 15 * time.Second

// Subscriber delivers messages published on a channel.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// NewSessionEventsHandler returns an http.HandlerFunc for GET /api/v1/sessions/{sessionID}/events.
// Job notifications for the session are relayed as "job" events until the client goes away.
func NewSessionEventsHandler(sub Subscriber) http.HandlerFunc {
	return newSessionEventsHandler(sub, keepAliveInterval)
}

func newSessionEventsHandler(sub Subscriber, keepAlive time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if !validID(sessionID) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid session id", nil)
			return
		}

		ctx := r.Context()
		msgs, err := sub.Subscribe(ctx, cache.SessionJobsChannel(sessionID))
		if err != nil {
			slog.Error("subscribing to session events failed", "session_id", sessionID, "error", err)
			response.Error(w, http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE", "Event stream is not available", nil)
			return
		}

		sse := response.NewSSE(w)
		if err := sse.Comment("subscribed"); err != nil {
			return
		}

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := sse.Send("job", msg); err != nil {
					return
				}
			case <-ticker.C:
				if err := sse.Comment("keep-alive"); err != nil {
					return
				}
			}
		}
	}
}
