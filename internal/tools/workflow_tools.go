package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/pmpilot/internal/jobs"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
	"github.com/mark3labs/mcp-go/mcp"
)

var (
	exploreScopes = []string{"full", "backend", "frontend"}
	exploreFocus  = []string{"patterns", "files", "architecture", "dependencies"}
)

// JobLauncher starts a workflow-backed job.
type JobLauncher interface {
	Launch(ctx context.Context, req jobs.LaunchRequest) (*models.Job, error)
}

// ExploreCodebaseTool handles explore_codebase by dispatching the exploration workflow.
type ExploreCodebaseTool struct {
	launcher JobLauncher
	workflow string
}

// NewExploreCodebaseTool creates an ExploreCodebaseTool that runs workflowFile.
func NewExploreCodebaseTool(launcher JobLauncher, workflowFile string) *ExploreCodebaseTool {
	return &ExploreCodebaseTool{launcher: launcher, workflow: workflowFile}
}

func (t *ExploreCodebaseTool) Definition() mcp.Tool {
	return mcp.NewTool("explore_codebase",
		mcp.WithDescription(
			"Start an asynchronous exploration of the product's codebase to answer a question "+
				"about how something is built. Returns a job id; results arrive later.",
		),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question to answer about the codebase"),
		),
		mcp.WithString("scope",
			mcp.Description("Part of the codebase to explore (default: full)"),
			mcp.Enum(exploreScopes...),
		),
		mcp.WithString("focus",
			mcp.Description("What to look for (default: patterns)"),
			mcp.Enum(exploreFocus...),
		),
	)
}

func (t *ExploreCodebaseTool) Run(ctx context.Context, args map[string]any, inv Invocation) Result {
	query := strings.TrimSpace(stringArg(args, "query"))
	if query == "" {
		return ErrorResult("'query' is required")
	}
	scope, ok := oneOf(stringArg(args, "scope"), "full", exploreScopes)
	if !ok {
		return ErrorResult(fmt.Sprintf("invalid scope %q: must be one of %s", stringArg(args, "scope"), strings.Join(exploreScopes, ", ")))
	}
	focus, ok := oneOf(stringArg(args, "focus"), "patterns", exploreFocus)
	if !ok {
		return ErrorResult(fmt.Sprintf("invalid focus %q: must be one of %s", stringArg(args, "focus"), strings.Join(exploreFocus, ", ")))
	}

	return launch(ctx, t.launcher, inv, jobs.LaunchRequest{
		Kind:      models.JobKindExploration,
		Workflow:  t.workflow,
		SessionID: inv.SessionID,
		TurnID:    inv.TurnID,
		Inputs:    map[string]string{"query": query, "scope": scope, "focus": focus},
	}, "Codebase exploration started. Results will be available when the job completes.")
}

// AnalyzeFeatureTool handles analyze_feature by dispatching the analysis workflow.
type AnalyzeFeatureTool struct {
	launcher JobLauncher
	workflow string
}

// NewAnalyzeFeatureTool creates an AnalyzeFeatureTool that runs workflowFile.
func NewAnalyzeFeatureTool(launcher JobLauncher, workflowFile string) *AnalyzeFeatureTool {
	return &AnalyzeFeatureTool{launcher: launcher, workflow: workflowFile}
}

func (t *AnalyzeFeatureTool) Definition() mcp.Tool {
	return mcp.NewTool("analyze_feature",
		mcp.WithDescription(
			"Start an asynchronous complexity analysis of a proposed feature against the codebase. "+
				"Returns a job id; results arrive later.",
		),
		mcp.WithString("feature_id",
			mcp.Required(),
			mcp.Description("Identifier of the feature to analyze"),
		),
		mcp.WithString("title",
			mcp.Description("Short feature title"),
		),
		mcp.WithString("description",
			mcp.Description("What the feature should do"),
		),
	)
}

func (t *AnalyzeFeatureTool) Run(ctx context.Context, args map[string]any, inv Invocation) Result {
	featureID := strings.TrimSpace(stringArg(args, "feature_id"))
	if featureID == "" {
		return ErrorResult("'feature_id' is required")
	}

	return launch(ctx, t.launcher, inv, jobs.LaunchRequest{
		Kind:      models.JobKindAnalysis,
		Workflow:  t.workflow,
		SessionID: inv.SessionID,
		TurnID:    inv.TurnID,
		Inputs: map[string]string{
			"feature_id":  featureID,
			"title":       stringArg(args, "title"),
			"description": stringArg(args, "description"),
		},
	}, "Feature analysis started. Results will be available when the job completes.")
}

// launch runs req and shapes the outcome for the model. A trigger failure is
// reported as an error result rather than failing the turn.
func launch(ctx context.Context, launcher JobLauncher, inv Invocation, req jobs.LaunchRequest, message string) Result {
	job, err := launcher.Launch(ctx, req)
	if err != nil {
		slog.Warn("tool launch failed", "kind", req.Kind, "session_id", inv.SessionID, "error", err)
		res := ErrorResult(fmt.Sprintf("failed to start %s job: %v", req.Kind, err))
		if job != nil {
			res.Payload["job_id"] = job.ID
			res.Payload["status"] = job.Status
		}
		return res
	}
	inv.jobLaunched(job)

	payload := map[string]any{
		"job_id":  job.ID,
		"status":  job.Status,
		"message": message,
	}
	if job.ExternalRunID != nil {
		payload["run_id"] = *job.ExternalRunID
	}
	return Result{Payload: payload}
}
