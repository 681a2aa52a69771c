package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

// MemoryStore is an in-process Store. A single mutex makes every TransitionJob call
// atomic, which gives it the same guarded-write semantics as the Postgres UPDATE.
// Used by tests and by local runs without a database.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*models.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *MemoryStore) ListSessionJobs(_ context.Context, sessionID string) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []*models.Job{}
	for _, j := range s.jobs {
		if j.SessionID == sessionID {
			jobs = append(jobs, cloneJob(j))
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	return jobs, nil
}

func (s *MemoryStore) TransitionJob(_ context.Context, id string, from []models.JobStatus, to models.JobStatus, opts ...JobUpdateOption) (bool, error) {
	params := applyOptions(opts)
	if err := checkTransition(from, to, params); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if !slices.Contains(from, j.Status) {
		return false, nil
	}

	now := s.now()
	j.Status = to
	j.UpdatedAt = now
	if to.Terminal() {
		j.CompletedAt = &now
	}
	if params.RunID != nil {
		runID := *params.RunID
		j.ExternalRunID = &runID
	}
	if params.Results != nil {
		j.Results = params.Results
	}
	if params.ErrorMessage != nil {
		msg := *params.ErrorMessage
		j.ErrorMessage = &msg
	}
	if params.PushedAt != nil {
		at := params.PushedAt.UTC()
		j.PushedAt = &at
	}
	return true, nil
}

func (s *MemoryStore) TouchPolled(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok && j.Status == models.JobStatusRunning {
		at = at.UTC()
		j.LastPolledAt = &at
		j.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) RecordPush(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status.Terminal() {
		return false, nil
	}
	at = at.UTC()
	j.PushedAt = &at
	j.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) ListPollableJobs(_ context.Context, filter PollFilter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []*models.Job{}
	for _, j := range s.jobs {
		if filter.Matches(j) {
			jobs = append(jobs, cloneJob(j))
		}
	}
	sortByCreated(jobs)
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ListStaleJobs(_ context.Context, createdBefore time.Time) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := []*models.Job{}
	for _, j := range s.jobs {
		if !j.Status.Terminal() && !j.CreatedAt.After(createdBefore) {
			jobs = append(jobs, cloneJob(j))
		}
	}
	sortByCreated(jobs)
	return jobs, nil
}

func sortByCreated(jobs []*models.Job) {
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.Before(jobs[b].CreatedAt) })
}

// cloneJob copies j so callers never share pointers with the store's state.
func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.Inputs != nil {
		c.Inputs = make(map[string]string, len(j.Inputs))
		for k, v := range j.Inputs {
			c.Inputs[k] = v
		}
	}
	if j.Results != nil {
		c.Results = make(map[string]any, len(j.Results))
		for k, v := range j.Results {
			c.Results[k] = v
		}
	}
	c.ExternalRunID = clonePtr(j.ExternalRunID)
	c.ErrorMessage = clonePtr(j.ErrorMessage)
	c.LastPolledAt = clonePtr(j.LastPolledAt)
	c.PushedAt = clonePtr(j.PushedAt)
	c.CompletedAt = clonePtr(j.CompletedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

var _ Store = (*MemoryStore)(nil)
