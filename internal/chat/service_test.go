package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/ai/mock"
	"github.com/kiranshivaraju/pmpilot/internal/cache"
	"github.com/kiranshivaraju/pmpilot/internal/jobs"
	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/internal/tools"
	"github.com/kiranshivaraju/pmpilot/internal/workflow"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stubs ---

type stubRunner struct {
	mu     sync.Mutex
	inputs []map[string]string
}

func (r *stubRunner) Trigger(_ context.Context, _ string, inputs map[string]string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, inputs)
	return 42, nil
}

func (r *stubRunner) Status(context.Context, int64) (workflow.RunStatus, error) {
	return workflow.RunStatus{State: workflow.StateInProgress}, nil
}

func (r *stubRunner) DownloadArtifact(context.Context, int64, string) (map[string]any, error) {
	return nil, workflow.ErrArtifactNotFound
}

// blockingTool runs fn when called; it lets tests hold a turn mid-dispatch.
type blockingTool struct {
	fn func(ctx context.Context)
}

func (blockingTool) Definition() mcp.Tool { return mcp.NewTool("slow_tool") }
func (b blockingTool) Run(ctx context.Context, _ map[string]any, _ tools.Invocation) tools.Result {
	b.fn(ctx)
	return tools.Result{Payload: map[string]any{"ok": true}}
}

type recorder struct {
	events []Event
}

func (r *recorder) emit(ev Event) { r.events = append(r.events, ev) }

func (r *recorder) types() []EventType {
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) first(typ EventType) (Event, bool) {
	for _, ev := range r.events {
		if ev.Type == typ {
			return ev, true
		}
	}
	return Event{}, false
}

type fixture struct {
	svc    *Service
	model  *mock.Client
	cache  *cache.MemoryCache
	store  *store.MemoryStore
	runner *stubRunner
}

func newFixture(t *testing.T, model *mock.Client, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	runner := &stubRunner{}
	launcher := jobs.NewLauncher(st, runner, nil)
	dispatcher := tools.NewDispatcher(
		tools.NewExploreCodebaseTool(launcher, "codebase-exploration.yml"),
		tools.NewJobStatusTool(st, time.Hour),
	)
	c := cache.NewMemoryCache()
	return &fixture{
		svc:    NewService(model, dispatcher, c, cfg),
		model:  model,
		cache:  c,
		store:  st,
		runner: runner,
	}
}

func (f *fixture) history(t *testing.T, sessionID string) []models.Message {
	t.Helper()
	return f.svc.History(context.Background(), sessionID)
}

// --- tests ---

func TestRunTurn_TextOnly(t *testing.T) {
	f := newFixture(t, mock.NewScriptedClient(
		mock.Response(mock.Text(0, `[{"type":"text",`, `"content":"Hello!"}]`), mock.Stop("end_turn")),
	), Config{})
	rec := &recorder{}

	res, err := f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, rec.emit)

	require.NoError(t, err)
	assert.NotEmpty(t, res.TurnID)
	assert.Equal(t, []ResponseBlock{{Type: "text", Content: "Hello!"}}, res.Blocks)
	assert.Equal(t, 0, res.ToolCalls)
	assert.Equal(t, []EventType{EventText, EventText, EventBlocks, EventDone}, rec.types())

	hist := f.history(t, "s1")
	require.Len(t, hist, 2)
	assert.Equal(t, models.UserText("hi"), hist[0])
	assert.Equal(t, models.RoleAssistant, hist[1].Role)

	reqs := f.model.Requests()
	require.Len(t, reqs, 1)
	assert.NotEmpty(t, reqs[0].System)
	assert.Len(t, reqs[0].Tools, 2)
}

func TestRunTurn_ToolCallContinuesTurn(t *testing.T) {
	f := newFixture(t, mock.NewScriptedClient(
		mock.Response(
			mock.Text(0, "Let me look."),
			mock.ToolUse(1, "toolu_1", "explore_codebase", `{"qu`, `ery":"How is auth implemented?"}`),
			mock.Stop("tool_use"),
		),
		mock.Response(mock.Text(0, "I started an exploration job."), mock.Stop("end_turn")),
	), Config{})
	rec := &recorder{}

	res, err := f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "How is auth implemented?"}, rec.emit)

	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolCalls)
	assert.Equal(t, []ResponseBlock{{Type: "text", Content: "I started an exploration job."}}, res.Blocks)
	assert.Equal(t, []EventType{
		EventText, EventToolUse, EventJob, EventToolResult, EventText, EventBlocks, EventDone,
	}, rec.types())

	jobEv, _ := rec.first(EventJob)
	job := jobEv.Data.(*models.Job)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, "s1", job.SessionID)
	assert.Equal(t, res.TurnID, job.TurnID)

	require.Len(t, f.runner.inputs, 1)
	assert.Equal(t, "full", f.runner.inputs[0]["scope"])
	assert.Equal(t, "patterns", f.runner.inputs[0]["focus"])

	reqs := f.model.Requests()
	require.Len(t, reqs, 2)
	cont := reqs[1].Messages
	require.Len(t, cont, 3)
	assert.Equal(t, models.RoleAssistant, cont[1].Role)
	require.Len(t, cont[1].Content, 2)
	assert.Equal(t, "toolu_1", cont[1].Content[1].ID)
	assert.Equal(t, models.BlockToolResult, cont[2].Content[0].Type)
	assert.Equal(t, "toolu_1", cont[2].Content[0].ToolUseID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(cont[2].Content[0].Content), &payload))
	assert.Equal(t, job.ID, payload["job_id"])

	assert.Len(t, f.history(t, "s1"), 4)
}

func TestRunTurn_NestedToolCalls(t *testing.T) {
	f := newFixture(t, mock.NewScriptedClient(
		mock.Response(mock.ToolUse(0, "toolu_1", "explore_codebase", `{"query":"auth"}`), mock.Stop("tool_use")),
		mock.Response(mock.ToolUse(0, "toolu_2", "frobnicate", `{}`), mock.Stop("tool_use")),
		mock.Response(mock.Text(0, "done"), mock.Stop("end_turn")),
	), Config{})
	rec := &recorder{}

	res, err := f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "go"}, rec.emit)

	require.NoError(t, err)
	assert.Equal(t, 2, res.ToolCalls)

	reqs := f.model.Requests()
	require.Len(t, reqs, 3)
	last := reqs[2].Messages
	require.Len(t, last, 5)
	unknown := last[4].Content[0]
	assert.True(t, unknown.IsError)
	assert.JSONEq(t, `{"error":"Unknown tool: frobnicate"}`, unknown.Content)
	assert.Len(t, f.history(t, "s1"), 6)
}

func TestRunTurn_ToolLimitDiscardsTurn(t *testing.T) {
	loop := mock.Response(mock.ToolUse(0, "toolu_x", "frobnicate", `{}`), mock.Stop("tool_use"))
	f := newFixture(t, mock.NewScriptedClient(loop, loop, loop), Config{MaxToolIterations: 2})

	_, err := f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "go"}, nil)

	assert.ErrorIs(t, err, ErrToolLimit)
	assert.Len(t, f.model.Requests(), 3)
	assert.Empty(t, f.history(t, "s1"))
}

func TestRunTurn_HistoryCarriesAcrossTurns(t *testing.T) {
	f := newFixture(t, mock.NewScriptedClient(
		mock.Response(mock.Text(0, "first answer"), mock.Stop("end_turn")),
		mock.Response(mock.Text(0, "second answer"), mock.Stop("end_turn")),
	), Config{})

	_, err := f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "one"}, nil)
	require.NoError(t, err)
	_, err = f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "two"}, nil)
	require.NoError(t, err)

	reqs := f.model.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, "first answer", reqs[1].Messages[1].Content[0].Text)
	assert.Len(t, f.history(t, "s1"), 4)
}

func TestRunTurn_ConcurrentTurnRejected(t *testing.T) {
	f := newFixture(t, mock.NewClient(), Config{})
	_, ok, err := f.cache.TryLock(context.Background(), cache.TurnLockKey("s1"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, nil)

	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.Empty(t, f.model.Requests())
}

func TestRunTurn_CancelledTurnIsDiscarded(t *testing.T) {
	model := &mock.Client{
		Name_: "hanging",
		StreamFunc: func(ctx context.Context, _ models.ModelRequest) (models.EventStream, error) {
			s := mock.NewStream(ctx, mock.Text(0, "partial"))
			s.Hang = true
			return s, nil
		},
	}
	f := newFixture(t, model, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	emit := func(ev Event) {
		rec.emit(ev)
		if ev.Type == EventText {
			cancel()
		}
	}

	_, err := f.svc.RunTurn(ctx, TurnRequest{SessionID: "s1", Message: "hi"}, emit)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []EventType{EventText}, rec.types())
	assert.Empty(t, f.history(t, "s1"))

	_, ok, err := f.cache.TryLock(context.Background(), cache.TurnLockKey("s1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "lock is released after a cancelled turn")
}

func TestRunTurn_ModelFailure(t *testing.T) {
	boom := errors.New("overloaded")
	f := newFixture(t, mock.NewFailingClient(boom), Config{})

	_, err := f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "hi"}, nil)

	assert.ErrorIs(t, err, boom)
	assert.Empty(t, f.history(t, "s1"))
}

func TestRunTurn_EmptyMessage(t *testing.T) {
	f := newFixture(t, mock.NewClient(), Config{})

	_, err := f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1"}, nil)

	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestRunTurn_CorruptHistoryStartsFresh(t *testing.T) {
	f := newFixture(t, mock.NewClient(), Config{})
	require.NoError(t, f.cache.Set(context.Background(), cache.HistoryKey("s1"), []byte("{not json"), time.Hour))

	res, err := f.svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "hello"}, nil)

	require.NoError(t, err)
	assert.Equal(t, []ResponseBlock{{Type: "text", Content: "Mock response: hello"}}, res.Blocks)
	assert.Len(t, f.history(t, "s1"), 2)
}

func slowToolScript() *mock.Client {
	return mock.NewScriptedClient(
		mock.Response(mock.ToolUse(0, "toolu_1", "slow_tool", `{}`), mock.Stop("tool_use")),
		mock.Response(mock.Text(0, "finished"), mock.Stop("end_turn")),
	)
}

func TestRunTurn_LockOutlivesItsTTLWhileTurnRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	tool := blockingTool{fn: func(context.Context) {
		close(started)
		<-release
	}}
	c := cache.NewMemoryCache()
	svc := NewService(slowToolScript(), tools.NewDispatcher(tool), c, Config{LockTTL: 100 * time.Millisecond})

	errA := make(chan error, 1)
	go func() {
		_, err := svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "A"}, nil)
		errA <- err
	}()

	<-started
	time.Sleep(300 * time.Millisecond)

	_, errB := svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "B"}, nil)
	assert.ErrorIs(t, errB, ErrTurnInProgress)

	close(release)
	require.NoError(t, <-errA)

	hist := svc.History(context.Background(), "s1")
	require.Len(t, hist, 4)
	assert.Equal(t, models.UserText("A"), hist[0])
}

func TestRunTurn_LostLockDiscardsTurn(t *testing.T) {
	c := cache.NewMemoryCache()
	key := cache.TurnLockKey("s1")
	var otherToken string
	tool := blockingTool{fn: func(ctx context.Context) {
		// Another holder takes the session over while the tool runs.
		assert.NoError(t, c.Delete(ctx, key))
		token, ok, err := c.TryLock(ctx, key, time.Minute)
		assert.NoError(t, err)
		assert.True(t, ok)
		otherToken = token
	}}
	svc := NewService(slowToolScript(), tools.NewDispatcher(tool), c, Config{})

	_, err := svc.RunTurn(context.Background(), TurnRequest{SessionID: "s1", Message: "A"}, nil)

	assert.ErrorIs(t, err, ErrLockLost)
	assert.Empty(t, svc.History(context.Background(), "s1"))

	held, err := c.Extend(context.Background(), key, otherToken, time.Minute)
	require.NoError(t, err)
	assert.True(t, held, "the new holder keeps its lock")
}
