package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/sellbridge/marketsync/internal/jobs"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimJob attempts to claim a job using optimistic locking
// (PENDING -> RUNNING). Returns full job details on success,
// ErrJobAlreadyClaimed if the job is not claimable.
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*jobs.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING job_id, tenant_id, marketplace, action, payload, retry_count, max_retries, timeout_seconds
	`

	var job jobs.Job
	err := s.db.QueryRowContext(ctx, query, jobs.StatusRunning, workerID, jobID, jobs.StatusPending).Scan(
		&job.JobID,
		&job.TenantID,
		&job.Marketplace,
		&job.Action,
		&job.Payload,
		&job.RetryCount,
		&job.MaxRetries,
		&job.TimeoutSeconds,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, jobs.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = jobs.StatusRunning
	job.WorkerID = workerID

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.String("marketplace", string(job.Marketplace)),
		slog.String("action", string(job.Action)),
	)

	return &job, nil
}

// GetJobStatus reads the current status of a job. The cancellation
// watcher polls this.
func (s *Storage) GetJobStatus(ctx context.Context, jobID string) (jobs.Status, error) {
	var status jobs.Status
	err := s.db.GetContext(ctx, &status, `SELECT status FROM jobs WHERE job_id = $1`, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", jobs.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get job status: %w", err)
	}
	return status, nil
}

// UpdateStatusIf finalizes a job from an expected status, recording the
// result or error message. Returns false when the job was not in the
// expected status, so the caller can resolve races against cancellation.
func (s *Storage) UpdateStatusIf(ctx context.Context, jobID string, from, to jobs.Status, result map[string]interface{}, errorMsg string) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, jobs.TransitionError(from, to)
	}

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return false, fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		UPDATE jobs
		SET status = $1,
			result = COALESCE($2, result),
			error_message = $3,
			completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE job_id = $5 AND status = $6
	`

	res, err := s.db.ExecContext(ctx, query, to, resultJSON, errorMsg, to.Terminal(), jobID, from)
	if err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return false, nil
	}

	s.logger.Info("Job status updated",
		slog.String("job_id", jobID),
		slog.String("status", string(to)),
	)

	return true, nil
}

// RequeueForRetry puts a failed attempt back in line for another one:
// the job returns to PENDING with its retry counter bumped, as long as
// the retry budget allows and no cancellation landed in the meantime.
func (s *Storage) RequeueForRetry(ctx context.Context, jobID string) (bool, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    retry_count = retry_count + 1,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
		  AND retry_count < max_retries
	`

	res, err := s.db.ExecContext(ctx, query, jobs.StatusPending, jobID, jobs.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to requeue job: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return rows > 0, nil
}

// UpdateJobHeartbeat updates the last_heartbeat_at timestamp for a job
// that is still executing.
func (s *Storage) UpdateJobHeartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status IN ($2, $3)
	`

	result, err := s.db.ExecContext(ctx, query, jobID, jobs.StatusRunning, jobs.StatusCancelling)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}
