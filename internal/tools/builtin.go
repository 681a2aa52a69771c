package tools

import (
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/config"
)

// NewBuiltinDispatcher registers the workflow tools and get_job_status.
func NewBuiltinDispatcher(launcher JobLauncher, jobs JobReader, wf config.WorkflowConfig, jobTimeout time.Duration) *Dispatcher {
	return NewDispatcher(
		NewExploreCodebaseTool(launcher, wf.ExplorationFile),
		NewAnalyzeFeatureTool(launcher, wf.AnalysisFile),
		NewJobStatusTool(jobs, jobTimeout),
	)
}
