package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/pmpilot/pkg/models"
)

const defaultPollLimit = 100

const jobColumns = `id, kind, status, session_id, turn_id, workflow, inputs, external_run_id, results,
	error_message, last_polled_at, pushed_at, completed_at, created_at, updated_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	inputs := job.Inputs
	if inputs == nil {
		inputs = map[string]string{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, status, session_id, turn_id, workflow, inputs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, string(job.Kind), string(job.Status), job.SessionID, job.TurnID, job.Workflow, inputs,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListSessionJobs(ctx context.Context, sessionID string) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE session_id = $1 ORDER BY created_at DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session jobs: %w", err)
	}
	return collectJobs(rows)
}

// TransitionJob performs the guarded status write as a single conditional UPDATE, so
// concurrent writers (poller sweep and webhook intake) cannot both win.
func (s *PostgresStore) TransitionJob(ctx context.Context, id string, from []models.JobStatus, to models.JobStatus, opts ...JobUpdateOption) (bool, error) {
	params := applyOptions(opts)
	if err := checkTransition(from, to, params); err != nil {
		return false, err
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, string(to), now}
	argIdx := 4

	if to.Terminal() {
		query += ", completed_at = $3"
	}
	if params.RunID != nil {
		query += fmt.Sprintf(", external_run_id = $%d", argIdx)
		args = append(args, *params.RunID)
		argIdx++
	}
	if params.Results != nil {
		query += fmt.Sprintf(", results = $%d", argIdx)
		args = append(args, params.Results)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.PushedAt != nil {
		query += fmt.Sprintf(", pushed_at = $%d", argIdx)
		args = append(args, params.PushedAt.UTC())
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, statusStrings(from))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.ensureExists(ctx, id)
	}
	return true, nil
}

func (s *PostgresStore) TouchPolled(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET last_polled_at = $2, updated_at = $2 WHERE id = $1 AND status = $3`,
		id, at.UTC(), string(models.JobStatusRunning))
	if err != nil {
		return fmt.Errorf("touch polled: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordPush(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET pushed_at = $2, updated_at = $2 WHERE id = $1 AND status = ANY($3)`,
		id, at.UTC(), statusStrings(models.ActiveStatuses))
	if err != nil {
		return false, fmt.Errorf("record push: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.ensureExists(ctx, id)
	}
	return true, nil
}

func (s *PostgresStore) ListPollableJobs(ctx context.Context, filter PollFilter) ([]*models.Job, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPollLimit
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1
		   AND external_run_id IS NOT NULL
		   AND created_at > $2
		   AND (pushed_at IS NULL OR pushed_at < $3)
		 ORDER BY created_at ASC
		 LIMIT $4`,
		string(models.JobStatusRunning), filter.CreatedAfter().UTC(), filter.PushedBefore().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pollable jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListStaleJobs(ctx context.Context, createdBefore time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ANY($1) AND created_at <= $2
		 ORDER BY created_at ASC`,
		statusStrings(models.ActiveStatuses), createdBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return collectJobs(rows)
}

// ensureExists distinguishes "lost the race" (nil) from "no such job" (ErrNotFound)
// after a conditional update touched zero rows.
func (s *PostgresStore) ensureExists(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j      models.Job
		kind   string
		status string
		turnID *string
	)
	err := row.Scan(&j.ID, &kind, &status, &j.SessionID, &turnID, &j.Workflow, &j.Inputs,
		&j.ExternalRunID, &j.Results, &j.ErrorMessage, &j.LastPolledAt, &j.PushedAt,
		&j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = models.JobKind(kind)
	j.Status = models.JobStatus(status)
	if turnID != nil {
		j.TurnID = *turnID
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	jobs := []*models.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
