// Package jobs drives the lifecycle of externally executed jobs: launching
// workflow runs, reconciling their state by polling, and applying pushed
// completion notices. Both completion channels write through the store's
// guarded transition, so whichever arrives first wins and the other is a no-op.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/pmpilot/internal/cache"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// StatusTTL is how long a job's status mirror lives in the cache.
const StatusTTL = 30 * time.Minute

// Notifier is told about every job state change that was actually applied.
type Notifier interface {
	JobChanged(ctx context.Context, job *models.Job)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) JobChanged(context.Context, *models.Job) {}

// CacheNotifier mirrors job status into the cache and publishes the job on
// its session's channel. Failures are logged; a lost notification never
// affects the job itself.
type CacheNotifier struct {
	cache cache.Cache
}

// NewCacheNotifier creates a CacheNotifier.
func NewCacheNotifier(c cache.Cache) *CacheNotifier {
	return &CacheNotifier{cache: c}
}

func (n *CacheNotifier) JobChanged(ctx context.Context, job *models.Job) {
	if err := n.cache.SetJobStatus(ctx, job.ID, job.Status, StatusTTL); err != nil {
		slog.Warn("mirroring job status failed", "job_id", job.ID, "error", err)
	}

	if job.SessionID == "" {
		return
	}
	payload, err := json.Marshal(job)
	if err != nil {
		slog.Warn("encoding job notification failed", "job_id", job.ID, "error", err)
		return
	}
	if err := n.cache.Publish(ctx, cache.SessionJobsChannel(job.SessionID), payload); err != nil {
		slog.Warn("publishing job notification failed", "job_id", job.ID, "session_id", job.SessionID, "error", err)
	}
}

var (
	_ Notifier = NopNotifier{}
	_ Notifier = (*CacheNotifier)(nil)
)
