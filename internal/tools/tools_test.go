package tools

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/config"
	"github.com/kiranshivaraju/pmpilot/internal/jobs"
	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/internal/workflow"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- stubs ---

type stubRunner struct {
	mu          sync.Mutex
	TriggerFunc func(ctx context.Context, workflowFile string, inputs map[string]string) (int64, error)
	triggered   []map[string]string
	workflows   []string
}

func (r *stubRunner) Trigger(ctx context.Context, workflowFile string, inputs map[string]string) (int64, error) {
	r.mu.Lock()
	r.triggered = append(r.triggered, inputs)
	r.workflows = append(r.workflows, workflowFile)
	r.mu.Unlock()
	if r.TriggerFunc != nil {
		return r.TriggerFunc(ctx, workflowFile, inputs)
	}
	return 42, nil
}

func (r *stubRunner) Status(context.Context, int64) (workflow.RunStatus, error) {
	return workflow.RunStatus{State: workflow.StateInProgress}, nil
}

func (r *stubRunner) DownloadArtifact(context.Context, int64, string) (map[string]any, error) {
	return nil, workflow.ErrArtifactNotFound
}

type panicTool struct{}

func (panicTool) Definition() mcp.Tool { return mcp.NewTool("explode") }
func (panicTool) Run(context.Context, map[string]any, Invocation) Result {
	panic("boom")
}

func newTestDispatcher(runner *stubRunner) (*Dispatcher, *store.MemoryStore) {
	st := store.NewMemoryStore()
	launcher := jobs.NewLauncher(st, runner, nil)
	wf := config.WorkflowConfig{
		AnalysisFile:    "feature-analysis.yml",
		ExplorationFile: "codebase-exploration.yml",
	}
	return NewBuiltinDispatcher(launcher, st, wf, time.Hour), st
}

func inv() Invocation {
	return Invocation{SessionID: "sess-1", TurnID: "turn-1"}
}

// --- Dispatcher ---

func TestDispatch_UnknownTool(t *testing.T) {
	d, _ := newTestDispatcher(&stubRunner{})

	res := d.Dispatch(context.Background(), "frobnicate", map[string]any{}, inv())

	assert.True(t, res.IsError)
	assert.Equal(t, map[string]any{"error": "Unknown tool: frobnicate"}, res.Payload)
	assert.JSONEq(t, `{"error":"Unknown tool: frobnicate"}`, res.JSON())
}

func TestDispatch_PanickingToolReturnsError(t *testing.T) {
	d := NewDispatcher(panicTool{})

	res := d.Dispatch(context.Background(), "explode", nil, inv())

	assert.True(t, res.IsError)
	assert.Contains(t, res.Payload["error"], "explode")
}

func TestSpecs_FollowRegistrationOrder(t *testing.T) {
	d, _ := newTestDispatcher(&stubRunner{})

	specs := d.Specs()
	require.Len(t, specs, 3)
	assert.Equal(t, "explore_codebase", specs[0].Name)
	assert.Equal(t, "analyze_feature", specs[1].Name)
	assert.Equal(t, "get_job_status", specs[2].Name)

	assert.Equal(t, []string{"query"}, specs[0].Required)
	assert.Contains(t, specs[0].Properties, "scope")
	assert.Contains(t, specs[0].Properties, "focus")
	assert.NotEmpty(t, specs[0].Description)
}

func TestRegister_ReplacesSameName(t *testing.T) {
	d, _ := newTestDispatcher(&stubRunner{})
	d.Register(NewJobStatusTool(store.NewMemoryStore(), time.Minute))

	assert.Len(t, d.Tools(), 3)
}

// --- explore_codebase ---

func TestExploreCodebase_DefaultsScopeAndFocus(t *testing.T) {
	runner := &stubRunner{}
	d, st := newTestDispatcher(runner)

	var launched []*models.Job
	call := inv()
	call.OnJob = func(j *models.Job) { launched = append(launched, j) }

	res := d.Dispatch(context.Background(), "explore_codebase",
		map[string]any{"query": "How is auth implemented?"}, call)

	require.False(t, res.IsError, res.JSON())
	assert.Equal(t, models.JobStatusRunning, res.Payload["status"])
	assert.Equal(t, int64(42), res.Payload["run_id"])

	require.Len(t, runner.triggered, 1)
	inputs := runner.triggered[0]
	assert.Equal(t, "codebase-exploration.yml", runner.workflows[0])
	assert.Equal(t, "How is auth implemented?", inputs["query"])
	assert.Equal(t, "full", inputs["scope"])
	assert.Equal(t, "patterns", inputs["focus"])
	assert.Equal(t, "sess-1", inputs["session_id"])
	assert.Equal(t, "turn-1", inputs["turn_id"])
	assert.Equal(t, res.Payload["job_id"], inputs["job_id"])

	require.Len(t, launched, 1)
	assert.Equal(t, models.JobStatusRunning, launched[0].Status)

	job, err := st.GetJob(context.Background(), inputs["job_id"])
	require.NoError(t, err)
	assert.Equal(t, models.JobKindExploration, job.Kind)
	require.NotNil(t, job.ExternalRunID)
	assert.Equal(t, int64(42), *job.ExternalRunID)
}

func TestExploreCodebase_ExplicitScopeAndFocus(t *testing.T) {
	runner := &stubRunner{}
	d, _ := newTestDispatcher(runner)

	res := d.Dispatch(context.Background(), "explore_codebase",
		map[string]any{"query": "routing", "scope": "frontend", "focus": "files"}, inv())

	require.False(t, res.IsError)
	assert.Equal(t, "frontend", runner.triggered[0]["scope"])
	assert.Equal(t, "files", runner.triggered[0]["focus"])
}

func TestExploreCodebase_ValidatesArguments(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing query", map[string]any{}, "'query' is required"},
		{"blank query", map[string]any{"query": "  "}, "'query' is required"},
		{"query wrong type", map[string]any{"query": 7}, "'query' is required"},
		{"bad scope", map[string]any{"query": "q", "scope": "mobile"}, `invalid scope "mobile"`},
		{"bad focus", map[string]any{"query": "q", "focus": "tests"}, `invalid focus "tests"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &stubRunner{}
			d, _ := newTestDispatcher(runner)

			res := d.Dispatch(context.Background(), "explore_codebase", tt.args, inv())

			assert.True(t, res.IsError)
			assert.Contains(t, res.Payload["error"], tt.want)
			assert.Empty(t, runner.triggered)
		})
	}
}

func TestExploreCodebase_TriggerFailureReturnsStructuredError(t *testing.T) {
	runner := &stubRunner{
		TriggerFunc: func(context.Context, string, map[string]string) (int64, error) {
			return 0, errors.New("github is down")
		},
	}
	d, st := newTestDispatcher(runner)

	var launched []*models.Job
	call := inv()
	call.OnJob = func(j *models.Job) { launched = append(launched, j) }

	res := d.Dispatch(context.Background(), "explore_codebase", map[string]any{"query": "q"}, call)

	assert.True(t, res.IsError)
	assert.Contains(t, res.Payload["error"], "github is down")
	assert.Equal(t, models.JobStatusFailed, res.Payload["status"])

	id, ok := res.Payload["job_id"].(string)
	require.True(t, ok)
	job, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "github is down")

	assert.Empty(t, launched, "a failed trigger is not announced as in flight")
}

// --- analyze_feature ---

func TestAnalyzeFeature_DispatchesAnalysisWorkflow(t *testing.T) {
	runner := &stubRunner{}
	d, st := newTestDispatcher(runner)

	res := d.Dispatch(context.Background(), "analyze_feature", map[string]any{
		"feature_id":  "feat-7",
		"title":       "SSO login",
		"description": "Sign in with Google",
	}, inv())

	require.False(t, res.IsError, res.JSON())
	assert.Equal(t, "feature-analysis.yml", runner.workflows[0])
	assert.Equal(t, "feat-7", runner.triggered[0]["feature_id"])
	assert.Equal(t, "SSO login", runner.triggered[0]["title"])
	assert.Equal(t, "Sign in with Google", runner.triggered[0]["description"])

	job, err := st.GetJob(context.Background(), res.Payload["job_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, models.JobKindAnalysis, job.Kind)
}

func TestAnalyzeFeature_RequiresFeatureID(t *testing.T) {
	runner := &stubRunner{}
	d, _ := newTestDispatcher(runner)

	res := d.Dispatch(context.Background(), "analyze_feature", map[string]any{"title": "x"}, inv())

	assert.True(t, res.IsError)
	assert.Empty(t, runner.triggered)
}

// --- get_job_status ---

func seedJob(t *testing.T, st store.Store, sessionID string, createdAt time.Time) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:        "job-" + sessionID + createdAt.Format("150405.000"),
		Kind:      models.JobKindExploration,
		Status:    models.JobStatusPending,
		SessionID: sessionID,
		Workflow:  "codebase-exploration.yml",
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func TestJobStatus_ReportsResults(t *testing.T) {
	st := store.NewMemoryStore()
	job := seedJob(t, st, "sess-1", time.Now().UTC())
	applied, err := st.TransitionJob(context.Background(), job.ID, models.ActiveStatuses, models.JobStatusCompleted,
		store.WithResults(map[string]any{"summary": "uses JWT"}))
	require.NoError(t, err)
	require.True(t, applied)

	tool := NewJobStatusTool(st, time.Hour)
	res := tool.Run(context.Background(), map[string]any{"job_id": job.ID}, inv())

	require.False(t, res.IsError)
	assert.Equal(t, models.JobStatusCompleted, res.Payload["status"])
	assert.Equal(t, map[string]any{"summary": "uses JWT"}, res.Payload["results"])
	assert.Equal(t, false, res.Payload["stale"])
	assert.Contains(t, res.Payload, "completed_at")
}

func TestJobStatus_FlagsStaleJobs(t *testing.T) {
	st := store.NewMemoryStore()
	job := seedJob(t, st, "sess-1", time.Now().UTC().Add(-2*time.Hour))

	res := NewJobStatusTool(st, time.Hour).Run(context.Background(), map[string]any{"job_id": job.ID}, inv())

	require.False(t, res.IsError)
	assert.Equal(t, true, res.Payload["stale"])
}

func TestJobStatus_NotFound(t *testing.T) {
	st := store.NewMemoryStore()
	other := seedJob(t, st, "sess-2", time.Now().UTC())
	tool := NewJobStatusTool(st, time.Hour)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing id", map[string]any{}, "'job_id' is required"},
		{"unknown id", map[string]any{"job_id": "nope"}, "job not found: nope"},
		{"other session", map[string]any{"job_id": other.ID}, "job not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tool.Run(context.Background(), tt.args, inv())
			assert.True(t, res.IsError)
			assert.Contains(t, res.Payload["error"], tt.want)
		})
	}
}

func TestJobStatus_NoSessionSeesAllJobs(t *testing.T) {
	st := store.NewMemoryStore()
	job := seedJob(t, st, "sess-2", time.Now().UTC())

	res := NewJobStatusTool(st, time.Hour).Run(context.Background(), map[string]any{"job_id": job.ID}, Invocation{})

	assert.False(t, res.IsError)
}
