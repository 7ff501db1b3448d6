package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sellbridge/marketsync/internal/api/model"
	"github.com/sellbridge/marketsync/internal/jobs"
	"github.com/sellbridge/marketsync/shared/postgresql"
)

const jobColumns = `
	job_id, tenant_id, user_id, idempotency_key, marketplace, action,
	payload, status, COALESCE(error_message, '') AS error_message,
	created_at, updated_at, completed_at
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, tenant_id, user_id, idempotency_key, marketplace,
			action, payload, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.TenantID,
		job.UserID,
		job.IdempotencyKey,
		job.Marketplace,
		job.Action,
		job.Payload,
		job.Status,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetJobByTenantAndIdempotencyKey returns (nil, nil) when no job matches.
func (s *Storage) GetJobByTenantAndIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE tenant_id = $1 AND idempotency_key = $2`

	err := s.db.GetContext(ctx, &job, query, tenantID, idempotencyKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	TenantID    string
	Marketplace string
	Action      string
	Status      string
	PageSize    int
	Cursor      *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}

	if filter.Marketplace != "" {
		query += fmt.Sprintf(" AND marketplace = $%d", argIdx)
		args = append(args, filter.Marketplace)
		argIdx++
	}

	if filter.Action != "" {
		query += fmt.Sprintf(" AND action = $%d", argIdx)
		args = append(args, filter.Action)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var result []model.Job
	err := s.db.SelectContext(ctx, &result, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return result, nil
}

// UpdateStatusIf moves a job from one status to another. Returns false
// when the job was not in the expected status, so callers can re-read and
// decide; the guard keeps transitions monotonic under concurrency.
func (s *Storage) UpdateStatusIf(ctx context.Context, jobID string, from, to jobs.Status) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, jobs.TransitionError(from, to)
	}

	query := `
		UPDATE jobs
		SET status = $1,
			completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE job_id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, to, jobID, from, to.Terminal())
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// DeleteJob removes a terminal job. Live jobs are refused.
func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	query := `
		DELETE FROM jobs
		WHERE job_id = $1
		  AND status IN ($2, $3, $4)
	`

	result, err := s.db.ExecContext(ctx, query, jobID, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		return nil
	}

	// Nothing deleted: either the job does not exist, or it is still live.
	if _, err := s.GetJobByID(ctx, jobID); err != nil {
		return err
	}
	return jobs.ErrJobNotTerminal
}

// JobStats holds aggregate job counts.
type JobStats struct {
	ByStatus      map[string]int64
	ByMarketplace map[string]int64
}

// Stats aggregates job counts per status and per marketplace, optionally
// scoped to one tenant.
func (s *Storage) Stats(ctx context.Context, tenantID string) (*JobStats, error) {
	query := `SELECT status, marketplace, COUNT(*) AS count FROM jobs`
	args := []interface{}{}
	if tenantID != "" {
		query += " WHERE tenant_id = $1"
		args = append(args, tenantID)
	}
	query += " GROUP BY status, marketplace"

	var rows []struct {
		Status      string `db:"status"`
		Marketplace string `db:"marketplace"`
		Count       int64  `db:"count"`
	}

	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to aggregate job stats: %w", err)
	}

	stats := &JobStats{
		ByStatus:      make(map[string]int64),
		ByMarketplace: make(map[string]int64),
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] += row.Count
		stats.ByMarketplace[row.Marketplace] += row.Count
	}

	return stats, nil
}
