package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/pmpilot/internal/cache"
	"github.com/kiranshivaraju/pmpilot/internal/tools"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

var (
	ErrTurnInProgress = errors.New("another turn is in progress for this session")
	ErrToolLimit      = errors.New("tool iteration limit reached")
	ErrEmptyMessage   = errors.New("message must not be empty")
)

const defaultSystemPrompt = `You are a product management assistant with access to the product's codebase.
Use explore_codebase to answer questions about how the product is built and analyze_feature to
estimate the complexity of a proposed feature. Both start background jobs; use get_job_status to
check on a job started earlier. Answer with a JSON array of blocks such as
[{"type":"text","content":"..."}].`

// ToolDispatcher runs tool calls requested by the model.
type ToolDispatcher interface {
	Specs() []models.ToolSpec
	Dispatch(ctx context.Context, name string, args map[string]any, inv tools.Invocation) tools.Result
}

// Config tunes the conversation service.
type Config struct {
	SystemPrompt      string
	MaxTokens         int
	MaxToolIterations int
	HistoryTTL        time.Duration
	LockTTL           time.Duration
}

// EventType names a turn event delivered to the caller.
type EventType string

const (
	EventText       EventType = "text"
	EventToolUse    EventType = "tool_use"
	EventToolResult EventType = "tool_result"
	EventJob        EventType = "job"
	EventBlocks     EventType = "blocks"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Event is one item of a turn's progress. Data is JSON-encodable.
type Event struct {
	Type EventType
	Data any
}

// TurnRequest is one user message in a session.
type TurnRequest struct {
	SessionID string
	Message   string
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	TurnID    string           `json:"turn_id"`
	Blocks    []ResponseBlock  `json:"blocks"`
	ToolCalls int              `json:"tool_calls"`
	Messages  []models.Message `json:"-"`
}

// Service runs conversation turns: model calls, tool dispatch and
// continuation, with history kept per session in the cache.
type Service struct {
	model models.ModelClient
	tools ToolDispatcher
	cache cache.Cache
	cfg   Config
}

// NewService creates a Service.
func NewService(model models.ModelClient, dispatcher ToolDispatcher, c cache.Cache, cfg Config) *Service {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaultSystemPrompt
	}
	if cfg.MaxToolIterations <= 0 {
		cfg.MaxToolIterations = 5
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	return &Service{model: model, tools: dispatcher, cache: c, cfg: cfg}
}

// RunTurn runs one user turn to completion, reporting progress through emit.
// Turns of one session are serialized; a concurrent call gets ErrTurnInProgress,
// and a turn that loses its session lock is discarded with ErrLockLost.
// History is saved only when the turn completes: a cancelled or failed turn
// leaves the session as it was before the turn started.
func (s *Service) RunTurn(ctx context.Context, req TurnRequest, emit func(Event)) (*TurnResult, error) {
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if emit == nil {
		emit = func(Event) {}
	}

	turnCtx, lock, err := s.lockSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	defer lock.release(ctx)

	history := s.loadHistory(turnCtx, req.SessionID)
	turnID := uuid.NewString()
	messages := append(history, models.UserText(req.Message))
	specs := s.tools.Specs()
	inv := tools.Invocation{
		SessionID: req.SessionID,
		TurnID:    turnID,
		OnJob:     func(job *models.Job) { emit(Event{Type: EventJob, Data: job}) },
	}

	toolCalls := 0
	for iteration := 0; ; iteration++ {
		blocks, calls, err := s.stream(turnCtx, models.ModelRequest{
			System:    s.cfg.SystemPrompt,
			Messages:  messages,
			Tools:     specs,
			MaxTokens: s.cfg.MaxTokens,
		}, emit)
		if err != nil {
			err = turnError(turnCtx, err)
			slog.Info("turn discarded", "session_id", req.SessionID, "turn_id", turnID, "error", err)
			return nil, err
		}

		if len(calls) == 0 {
			messages = append(messages, models.Message{Role: models.RoleAssistant, Content: blocks})
			break
		}
		if iteration >= s.cfg.MaxToolIterations {
			slog.Warn("tool iteration limit reached", "session_id", req.SessionID, "turn_id", turnID,
				"limit", s.cfg.MaxToolIterations)
			return nil, fmt.Errorf("%w after %d rounds", ErrToolLimit, iteration)
		}

		results := make([]ToolResult, 0, len(calls))
		for _, call := range calls {
			res := s.tools.Dispatch(turnCtx, call.Name, call.Args, inv)
			tr := ToolResult{ToolUseID: call.ID, Content: res.JSON(), IsError: res.IsError}
			results = append(results, tr)
			emit(Event{Type: EventToolResult, Data: tr})
			slog.Info("tool call finished", "session_id", req.SessionID, "tool", call.Name, "is_error", res.IsError)
		}
		toolCalls += len(calls)
		messages = ContinueWithToolResults(messages, blocks, results)
	}

	if err := turnCtx.Err(); err != nil {
		return nil, turnError(turnCtx, err)
	}
	// History is written only by the lock holder.
	if err := lock.check(turnCtx); err != nil {
		return nil, err
	}

	final := lastAssistantText(messages)
	result := &TurnResult{
		TurnID:    turnID,
		Blocks:    ParseResponseBlocks(final),
		ToolCalls: toolCalls,
		Messages:  messages,
	}
	s.saveHistory(turnCtx, req.SessionID, messages)

	emit(Event{Type: EventBlocks, Data: result.Blocks})
	emit(Event{Type: EventDone, Data: map[string]any{"turn_id": turnID, "tool_calls": toolCalls}})
	return result, nil
}

// stream runs one model call and returns the committed blocks and tool requests.
func (s *Service) stream(ctx context.Context, req models.ModelRequest, emit func(Event)) ([]models.ContentBlock, []ToolUseRequest, error) {
	es, err := s.model.Stream(ctx, req)
	if err != nil {
		return nil, nil, fmt.Errorf("starting model stream: %w", err)
	}
	turn := NewTurn(es)
	defer turn.Close()

	var calls []ToolUseRequest
	for turn.Next() {
		switch out := turn.Output().(type) {
		case TextChunk:
			emit(Event{Type: EventText, Data: out})
		case ToolUseRequest:
			calls = append(calls, out)
			emit(Event{Type: EventToolUse, Data: out})
		}
	}
	if err := turn.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, fmt.Errorf("model stream: %w", err)
	}
	return turn.Blocks(), calls, nil
}

// History returns the stored conversation for a session.
func (s *Service) History(ctx context.Context, sessionID string) []models.Message {
	return s.loadHistory(ctx, sessionID)
}

func (s *Service) loadHistory(ctx context.Context, sessionID string) []models.Message {
	raw, ok, err := s.cache.Get(ctx, cache.HistoryKey(sessionID))
	if err != nil {
		slog.Warn("loading history failed, starting fresh", "session_id", sessionID, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	var msgs []models.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		slog.Warn("stored history is corrupt, starting fresh", "session_id", sessionID, "error", err)
		return nil
	}
	return msgs
}

func (s *Service) saveHistory(ctx context.Context, sessionID string, msgs []models.Message) {
	raw, err := json.Marshal(msgs)
	if err != nil {
		slog.Warn("encoding history failed", "session_id", sessionID, "error", err)
		return
	}
	if err := s.cache.Set(context.WithoutCancel(ctx), cache.HistoryKey(sessionID), raw, s.cfg.HistoryTTL); err != nil {
		slog.Warn("saving history failed", "session_id", sessionID, "error", err)
	}
}

func lastAssistantText(msgs []models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != models.RoleAssistant {
			continue
		}
		var text string
		for _, b := range msgs[i].Content {
			if b.Type == models.BlockText {
				text += b.Text
			}
		}
		return text
	}
	return ""
}
