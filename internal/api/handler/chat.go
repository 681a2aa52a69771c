package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/pmpilot/internal/ai"
	"github.com/kiranshivaraju/pmpilot/internal/api/response"
	"github.com/kiranshivaraju/pmpilot/internal/chat"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

const maxMessageLen = 16 << 10

// HistoryReader reads a session's stored conversation.
type HistoryReader interface {
	History(ctx context.Context, sessionID string) []models.Message
}

// TurnRunner defines the conversation service the handler depends on.
type TurnRunner interface {
	RunTurn(ctx context.Context, req chat.TurnRequest, emit func(chat.Event)) (*chat.TurnResult, error)
}

// NewChatTurnHandler returns an http.HandlerFunc for POST /api/v1/sessions/{sessionID}/turns.
// The turn is streamed as server-sent events. Errors raised before the first
// event are plain JSON responses; later ones arrive as an error event.
func NewChatTurnHandler(svc TurnRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if !validID(sessionID) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid session id", nil)
			return
		}

		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		req.Message = strings.TrimSpace(req.Message)
		if req.Message == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "message is required", nil)
			return
		}
		if len(req.Message) > maxMessageLen {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "message is too long", nil)
			return
		}

		var sse *response.SSE
		emit := func(ev chat.Event) {
			if sse == nil {
				sse = response.NewSSE(w)
			}
			if err := sse.Send(string(ev.Type), ev.Data); err != nil {
				slog.Debug("dropping turn event, client gone", "session_id", sessionID, "error", err)
			}
		}

		_, err := svc.RunTurn(r.Context(), chat.TurnRequest{SessionID: sessionID, Message: req.Message}, emit)
		if err == nil {
			return
		}
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			slog.Info("client disconnected mid-turn", "session_id", sessionID)
			return
		}

		status, code, msg := turnError(err)
		if status >= http.StatusInternalServerError {
			slog.Error("chat turn failed", "session_id", sessionID, "error", err)
		}
		if sse == nil {
			response.Error(w, status, code, msg, nil)
			return
		}
		emit(chat.Event{Type: chat.EventError, Data: map[string]string{"code": code, "message": msg}})
	}
}

func turnError(err error) (int, string, string) {
	switch {
	case errors.Is(err, chat.ErrTurnInProgress):
		return http.StatusConflict, "TURN_IN_PROGRESS", "Another turn is already running for this session"
	case errors.Is(err, chat.ErrLockLost):
		return http.StatusConflict, "TURN_INTERRUPTED", "The turn lost its session lock and was discarded"
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest, "INVALID_REQUEST", "message is required"
	case errors.Is(err, chat.ErrToolLimit):
		return http.StatusUnprocessableEntity, "TOOL_LIMIT_REACHED", "The assistant made too many tool calls in one turn"
	case errors.Is(err, ai.ErrProviderUnavailable):
		return http.StatusBadGateway, "AI_PROVIDER_UNAVAILABLE", "The AI provider is not available"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "AI_TIMEOUT", "The assistant took too long to respond"
	default:
		return http.StatusBadGateway, "AI_STREAM_FAILED", "The assistant response could not be completed"
	}
}

// validID accepts the ids clients and this service generate: short, no spaces or slashes.
func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, " /\\\t\n")
}

// NewSessionHistoryHandler returns an http.HandlerFunc for GET /api/v1/sessions/{sessionID}/history.
// A session with no stored conversation yields an empty list.
func NewSessionHistoryHandler(h HistoryReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "sessionID")
		if !validID(sessionID) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid session id", nil)
			return
		}

		msgs := h.History(r.Context(), sessionID)
		if msgs == nil {
			msgs = []models.Message{}
		}
		response.List(w, msgs, len(msgs))
	}
}
