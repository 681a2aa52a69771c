package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/store"
	"github.com/kiranshivaraju/pmpilot/internal/workflow"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// NoResultsMessage is recorded when a run reports success but uploaded nothing.
const NoResultsMessage = "no results found"

// ResultsTooLargeMessage is recorded when a run's results exceed the download cap.
const ResultsTooLargeMessage = "results too large to store"

// PollerConfig controls the reconciliation sweep.
type PollerConfig struct {
	Interval     time.Duration
	JobTimeout   time.Duration
	GracePeriod  time.Duration
	ExpireStale  bool
	ArtifactName string
	BatchSize    int
}

// SweepResult summarizes one reconciliation sweep.
type SweepResult struct {
	Checked   int
	Completed int
	Failed    int
	Expired   int
	Errors    int
}

// Poller periodically reconciles running jobs against the workflow runner so
// that jobs make progress even when no push ever arrives. Sweeps run on a
// single goroutine and never overlap: the next one is scheduled only after
// the previous one returns.
type Poller struct {
	store    store.Store
	runner   workflow.Client
	notifier Notifier
	cfg      PollerConfig
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a Poller. It does nothing until Start is called.
func NewPoller(st store.Store, runner workflow.Client, notifier Notifier, cfg PollerConfig) *Poller {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Poller{
		store:    st,
		runner:   runner,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the sweep loop. Calling Start on a running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)
	slog.Info("poller started", "interval", p.cfg.Interval, "job_timeout", p.cfg.JobTimeout,
		"grace_period", p.cfg.GracePeriod, "expire_stale", p.cfg.ExpireStale)
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("poller stopped")
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			p.Sweep(ctx)
			timer.Reset(p.cfg.Interval)
		}
	}
}

// Sweep runs one reconciliation pass. Jobs are processed one at a time; an
// error on one job is logged and leaves that job untouched for the next sweep.
func (p *Poller) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	now := p.now()

	if p.cfg.ExpireStale {
		p.expireStale(ctx, now, &res)
	}

	jobs, err := p.store.ListPollableJobs(ctx, store.PollFilter{
		Now:         now,
		Timeout:     p.cfg.JobTimeout,
		GracePeriod: p.cfg.GracePeriod,
		Limit:       p.cfg.BatchSize,
	})
	if err != nil {
		slog.Error("listing pollable jobs failed", "error", err)
		res.Errors++
		return res
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		res.Checked++
		if err := p.reconcile(ctx, job, &res); err != nil {
			res.Errors++
			slog.Warn("reconciling job failed", "job_id", job.ID, "run_id", *job.ExternalRunID, "error", err)
		}
	}

	if res.Checked > 0 || res.Expired > 0 || res.Errors > 0 {
		slog.Info("sweep finished", "checked", res.Checked, "completed", res.Completed,
			"failed", res.Failed, "expired", res.Expired, "errors", res.Errors)
	} else {
		slog.Debug("sweep finished, nothing to do")
	}
	return res
}

func (p *Poller) reconcile(ctx context.Context, job *models.Job, res *SweepResult) error {
	runID := *job.ExternalRunID

	st, err := p.runner.Status(ctx, runID)
	if err != nil {
		return fmt.Errorf("checking run status: %w", err)
	}

	switch {
	case st.State == workflow.StateCompleted:
		results, err := p.runner.DownloadArtifact(ctx, runID, p.cfg.ArtifactName)
		if errors.Is(err, workflow.ErrArtifactNotFound) {
			return p.settle(ctx, job, models.JobStatusFailed, res, store.WithErrorMessage(NoResultsMessage))
		}
		if errors.Is(err, workflow.ErrArtifactTooLarge) {
			slog.Warn("artifact over size cap", "job_id", job.ID, "run_id", runID, "error", err)
			return p.settle(ctx, job, models.JobStatusFailed, res, store.WithErrorMessage(ResultsTooLargeMessage))
		}
		if err != nil {
			return fmt.Errorf("downloading artifact: %w", err)
		}
		return p.settle(ctx, job, models.JobStatusCompleted, res, store.WithResults(results))

	case st.State.Failed():
		msg := fmt.Sprintf("workflow run %d ended with %s", runID, st.State)
		return p.settle(ctx, job, models.JobStatusFailed, res, store.WithErrorMessage(msg))

	default:
		return p.store.TouchPolled(ctx, job.ID, p.now())
	}
}

// settle performs the guarded terminal write. Losing the race to a webhook is
// expected and not counted as anything.
func (p *Poller) settle(ctx context.Context, job *models.Job, to models.JobStatus, res *SweepResult, opts ...store.JobUpdateOption) error {
	applied, err := p.store.TransitionJob(ctx, job.ID, []models.JobStatus{models.JobStatusRunning}, to, opts...)
	if err != nil {
		return fmt.Errorf("settling job: %w", err)
	}
	if !applied {
		slog.Debug("job already settled by another writer", "job_id", job.ID)
		return nil
	}

	if to == models.JobStatusCompleted {
		res.Completed++
	} else {
		res.Failed++
	}
	p.notifyCurrent(ctx, job.ID)
	return nil
}

// expireStale fails active jobs that have outlived the job timeout. They are
// already excluded from polling; this keeps them from staying active forever.
func (p *Poller) expireStale(ctx context.Context, now time.Time, res *SweepResult) {
	stale, err := p.store.ListStaleJobs(ctx, now.Add(-p.cfg.JobTimeout))
	if err != nil {
		slog.Error("listing stale jobs failed", "error", err)
		res.Errors++
		return
	}

	msg := fmt.Sprintf("job exceeded maximum age of %s without completing", p.cfg.JobTimeout)
	for _, job := range stale {
		applied, err := p.store.TransitionJob(ctx, job.ID, models.ActiveStatuses, models.JobStatusFailed,
			store.WithErrorMessage(msg))
		if err != nil {
			res.Errors++
			slog.Warn("expiring stale job failed", "job_id", job.ID, "error", err)
			continue
		}
		if applied {
			res.Expired++
			slog.Info("stale job expired", "job_id", job.ID, "created_at", job.CreatedAt)
			p.notifyCurrent(ctx, job.ID)
		}
	}
}

func (p *Poller) notifyCurrent(ctx context.Context, id string) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		slog.Warn("reloading job for notification failed", "job_id", id, "error", err)
		return
	}
	p.notifier.JobChanged(ctx, job)
}
