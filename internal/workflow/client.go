// Package workflow talks to the GitHub Actions API: it dispatches workflow runs,
// reports their status, and fetches the result artifact a run uploads.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/kiranshivaraju/pmpilot/internal/config"
)

// Sentinel errors for workflow runner failures. ErrUnreachable and ErrAPI are
// transient from the caller's point of view; the artifact errors are not.
var (
	ErrUnreachable      = errors.New("workflow runner unreachable")
	ErrAPI              = errors.New("workflow runner api error")
	ErrRunNotFound      = errors.New("workflow run not found")
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrArtifactCorrupt  = errors.New("artifact corrupt")
	ErrArtifactTooLarge = errors.New("artifact too large")
)

// runLookupSkew tolerates clock drift between this host and the runner when
// deciding whether the newest run belongs to our dispatch.
const runLookupSkew = 10 * time.Second

// Client is the interface the job engine uses to drive external workflow runs.
type Client interface {
	Trigger(ctx context.Context, workflowFile string, inputs map[string]string) (int64, error)
	Status(ctx context.Context, runID int64) (RunStatus, error)
	DownloadArtifact(ctx context.Context, runID int64, name string) (map[string]any, error)
}

// RunState is the flattened view of a run's (status, conclusion) pair.
type RunState string

const (
	StateQueued     RunState = "queued"
	StateInProgress RunState = "in_progress"
	StateCompleted  RunState = "completed"
	StateFailure    RunState = "failure"
	StateCancelled  RunState = "cancelled"
	StateTimedOut   RunState = "timed_out"
)

// Failed reports whether the run finished without success.
func (s RunState) Failed() bool {
	return s == StateFailure || s == StateCancelled || s == StateTimedOut
}

// RunStatus is the result of a status lookup.
type RunStatus struct {
	State      RunState
	Status     string
	Conclusion string
	HTMLURL    string
}

// MapRunState folds GitHub's two-axis run model onto RunState. A completed run
// counts as StateCompleted only when its conclusion is success; any other
// conclusion that is not cancelled or timed_out is reported as a failure.
func MapRunState(status, conclusion string) RunState {
	switch status {
	case "completed":
		switch conclusion {
		case "success":
			return StateCompleted
		case "cancelled":
			return StateCancelled
		case "timed_out":
			return StateTimedOut
		default:
			return StateFailure
		}
	case "in_progress":
		return StateInProgress
	default:
		return StateQueued
	}
}

// GitHubClient implements Client against the GitHub Actions REST API.
type GitHubClient struct {
	client         *resty.Client
	owner          string
	repo           string
	ref            string
	lookupAttempts int
	lookupDelay    time.Duration
	now            func() time.Time
}

// NewGitHubClient creates a client for the repository named in gh. Run lookups
// after a dispatch are retried per wf.
func NewGitHubClient(gh config.GitHubConfig, wf config.WorkflowConfig) *GitHubClient {
	client := resty.New().
		SetBaseURL(gh.APIURL).
		SetTimeout(gh.Timeout).
		SetAuthToken(gh.Token).
		SetHeader("Accept", "application/vnd.github+json").
		SetHeader("X-GitHub-Api-Version", "2022-11-28")

	attempts := wf.LookupAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &GitHubClient{
		client:         client,
		owner:          gh.Owner,
		repo:           gh.Repo,
		ref:            gh.Ref,
		lookupAttempts: attempts,
		lookupDelay:    wf.LookupDelay,
		now:            time.Now,
	}
}

type dispatchRequest struct {
	Ref    string            `json:"ref"`
	Inputs map[string]string `json:"inputs,omitempty"`
}

type workflowRun struct {
	ID         int64     `json:"id"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
}

type workflowRunsResponse struct {
	TotalCount   int           `json:"total_count"`
	WorkflowRuns []workflowRun `json:"workflow_runs"`
}

type apiErrorBody struct {
	Message string `json:"message"`
}

// Trigger dispatches workflowFile on the configured ref and returns the id of
// the run it started. The dispatch endpoint does not return a run id, so the
// newest workflow_dispatch run is looked up afterwards and adopted only if it
// was created no earlier than the dispatch itself.
func (c *GitHubClient) Trigger(ctx context.Context, workflowFile string, inputs map[string]string) (int64, error) {
	dispatchedAt := c.now().UTC().Truncate(time.Second)

	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(c.pathParams(map[string]string{"workflow": workflowFile})).
		SetBody(dispatchRequest{Ref: c.ref, Inputs: inputs}).
		SetError(&apiErrorBody{}).
		Post("/repos/{owner}/{repo}/actions/workflows/{workflow}/dispatches")
	if err != nil {
		return 0, classifyError(err)
	}
	if resp.IsError() {
		return 0, apiError(resp)
	}

	for attempt := 0; attempt < c.lookupAttempts; attempt++ {
		if err := sleep(ctx, c.lookupDelay); err != nil {
			return 0, classifyError(err)
		}
		run, err := c.latestDispatchRun(ctx, workflowFile)
		if err != nil {
			return 0, err
		}
		if run != nil && !run.CreatedAt.Before(dispatchedAt.Add(-runLookupSkew)) {
			return run.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: no run of %s started after dispatch", ErrRunNotFound, workflowFile)
}

func (c *GitHubClient) latestDispatchRun(ctx context.Context, workflowFile string) (*workflowRun, error) {
	var runs workflowRunsResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(c.pathParams(map[string]string{"workflow": workflowFile})).
		SetQueryParams(map[string]string{
			"event":    "workflow_dispatch",
			"branch":   c.ref,
			"per_page": "1",
		}).
		SetResult(&runs).
		SetError(&apiErrorBody{}).
		Get("/repos/{owner}/{repo}/actions/workflows/{workflow}/runs")
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.IsError() {
		return nil, apiError(resp)
	}
	if len(runs.WorkflowRuns) == 0 {
		return nil, nil
	}
	return &runs.WorkflowRuns[0], nil
}

// Status returns the current state of a run.
func (c *GitHubClient) Status(ctx context.Context, runID int64) (RunStatus, error) {
	var run workflowRun
	resp, err := c.client.R().
		SetContext(ctx).
		SetPathParams(c.pathParams(map[string]string{"run_id": strconv.FormatInt(runID, 10)})).
		SetResult(&run).
		SetError(&apiErrorBody{}).
		Get("/repos/{owner}/{repo}/actions/runs/{run_id}")
	if err != nil {
		return RunStatus{}, classifyError(err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return RunStatus{}, fmt.Errorf("%w: run %d", ErrRunNotFound, runID)
	}
	if resp.IsError() {
		return RunStatus{}, apiError(resp)
	}

	return RunStatus{
		State:      MapRunState(run.Status, run.Conclusion),
		Status:     run.Status,
		Conclusion: run.Conclusion,
		HTMLURL:    run.HTMLURL,
	}, nil
}

func (c *GitHubClient) pathParams(extra map[string]string) map[string]string {
	params := map[string]string{"owner": c.owner, "repo": c.repo}
	for k, v := range extra {
		params[k] = v
	}
	return params
}

func apiError(resp *resty.Response) error {
	if body, ok := resp.Error().(*apiErrorBody); ok && body.Message != "" {
		return fmt.Errorf("%w: status %d: %s", ErrAPI, resp.StatusCode(), body.Message)
	}
	return fmt.Errorf("%w: status %d", ErrAPI, resp.StatusCode())
}

// classifyError maps transport-level errors (refused connections, timeouts,
// cancellation) to ErrUnreachable while keeping the original error in the chain.
func classifyError(err error) error {
	return fmt.Errorf("%w: %w", ErrUnreachable, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Client = (*GitHubClient)(nil)
