package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sellbridge/marketsync/internal/api/dto"
	"github.com/sellbridge/marketsync/internal/api/model"
	"github.com/sellbridge/marketsync/internal/api/storage"
	"github.com/sellbridge/marketsync/internal/jobs"
	"github.com/sellbridge/marketsync/internal/locks"
	"github.com/sellbridge/marketsync/internal/tracking"
)

// JobStorage is the persistence contract the service needs.
type JobStorage interface {
	CreateJob(ctx context.Context, job *model.Job) error
	GetJobByID(ctx context.Context, jobID string) (*model.Job, error)
	GetJobByTenantAndIdempotencyKey(ctx context.Context, tenantID, idempotencyKey string) (*model.Job, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error)
	UpdateStatusIf(ctx context.Context, jobID string, from, to jobs.Status) (bool, error)
	DeleteJob(ctx context.Context, jobID string) error
	Stats(ctx context.Context, tenantID string) (*storage.JobStats, error)
}

// Publisher is the queue contract: one message per created job.
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
	RoutingKeyFor(suffix string) string
}

// RunLister exposes task-run history.
type RunLister interface {
	ListByJob(ctx context.Context, jobID string) ([]tracking.TaskRun, error)
}

// JobMessage is the queue message produced per created job.
type JobMessage struct {
	JobID       string `json:"job_id"`
	Marketplace string `json:"marketplace"`
}

// JobService handles marketplace job business logic.
type JobService struct {
	storage   JobStorage
	publisher Publisher
	locker    locks.Locker
	runs      RunLister
	logger    *slog.Logger
}

// NewJobService creates a new job service.
func NewJobService(store JobStorage, publisher Publisher, locker locks.Locker, runs RunLister, logger *slog.Logger) *JobService {
	return &JobService{
		storage:   store,
		publisher: publisher,
		locker:    locker,
		runs:      runs,
		logger:    logger,
	}
}

// CreateJob validates and persists a new job, then enqueues it. A request
// replaying a (tenant, idempotency key) pair returns the existing job and
// created=false without enqueueing anything.
func (s *JobService) CreateJob(ctx context.Context, req *dto.CreateJobRequest) (*model.Job, bool, error) {
	marketplace := jobs.Marketplace(req.Marketplace)
	if !marketplace.Valid() {
		return nil, false, fmt.Errorf("%w: unknown marketplace %q", jobs.ErrInvalidPayload, req.Marketplace)
	}

	action := jobs.Action(req.Action)
	if !action.Valid() {
		return nil, false, fmt.Errorf("%w: unknown action %q", jobs.ErrInvalidPayload, req.Action)
	}

	if !json.Valid([]byte(req.Payload)) {
		return nil, false, fmt.Errorf("%w: payload is not valid JSON", jobs.ErrInvalidPayload)
	}

	existing, err := s.storage.GetJobByTenantAndIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate job request, returning existing job",
			slog.String("job_id", existing.JobID),
			slog.String("tenant_id", req.TenantID),
			slog.String("idempotency_key", req.IdempotencyKey),
		)
		return existing, false, nil
	}

	now := time.Now().UTC()
	job := &model.Job{
		JobID:          uuid.New().String(),
		TenantID:       req.TenantID,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
		Marketplace:    req.Marketplace,
		Action:         req.Action,
		Payload:        req.Payload,
		Status:         string(jobs.StatusPending),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.storage.CreateJob(ctx, job); err != nil {
		return nil, false, err
	}

	body, err := json.Marshal(JobMessage{JobID: job.JobID, Marketplace: job.Marketplace})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal job message: %w", err)
	}

	routingKey := s.publisher.RoutingKeyFor(job.Marketplace)
	if err := s.publisher.PublishWithRetry(ctx, routingKey, body, "application/json"); err != nil {
		// The job row stays PENDING; surface the failure so the client can
		// retry with the same idempotency key.
		return nil, false, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("tenant_id", job.TenantID),
		slog.String("marketplace", job.Marketplace),
		slog.String("action", job.Action),
	)

	return job, true, nil
}

// GetJob returns one job by ID.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	return s.storage.GetJobByID(ctx, jobID)
}

// ListJobs returns jobs matching the filter, page size + 1 rows.
func (s *JobService) ListJobs(ctx context.Context, filter storage.JobFilter) ([]model.Job, error) {
	return s.storage.ListJobs(ctx, filter)
}

// CancelJob processes a cancellation request under the CANCEL advisory
// lock and returns the job's resulting status.
//
// Terminal jobs and jobs already cancelling are a no-op. A PENDING job is
// cancelled outright. For a RUNNING job the WORK lock decides: if the
// probe succeeds no worker is executing (it died or just finished), so
// the job is finalized CANCELLED here; if the probe fails, work is
// mid-flight and only the CANCELLING intent is recorded for the worker
// to observe.
func (s *JobService) CancelJob(ctx context.Context, jobID string) (jobs.Status, error) {
	var result jobs.Status
	key := locks.KeyFor(jobID)

	err := locks.WithLock(ctx, s.locker, locks.NamespaceCancel, key, func(ctx context.Context) error {
		job, err := s.storage.GetJobByID(ctx, jobID)
		if err != nil {
			return err
		}

		current := jobs.Status(job.Status)
		switch {
		case current.Terminal() || current == jobs.StatusCancelling:
			// Late cancellation is a no-op, not an error.
			result = current
			return nil

		case current == jobs.StatusPending:
			ok, err := s.storage.UpdateStatusIf(ctx, jobID, jobs.StatusPending, jobs.StatusCancelled)
			if err != nil {
				return err
			}
			if !ok {
				// A worker claimed it between the read and the update.
				return s.cancelRunning(ctx, jobID, key, &result)
			}
			result = jobs.StatusCancelled
			s.logger.Info("Pending job cancelled",
				slog.String("job_id", jobID),
			)
			return nil

		case current == jobs.StatusRunning:
			return s.cancelRunning(ctx, jobID, key, &result)

		default:
			return fmt.Errorf("unexpected job status %q", job.Status)
		}
	})

	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			return "", jobs.ErrCancelInProgress
		}
		return "", err
	}

	return result, nil
}

// cancelRunning resolves cancellation of a RUNNING job via the WORK lock
// probe. Caller holds the CANCEL lock.
func (s *JobService) cancelRunning(ctx context.Context, jobID string, key int32, result *jobs.Status) error {
	acquired, release, err := s.locker.Acquire(ctx, locks.NamespaceWork, key)
	if err != nil {
		return err
	}

	if acquired {
		defer release()

		// No worker holds the job. Finalize directly, or report whatever
		// terminal status the worker reached before releasing the lock.
		ok, err := s.storage.UpdateStatusIf(ctx, jobID, jobs.StatusRunning, jobs.StatusCancelled)
		if err != nil {
			return err
		}
		if !ok {
			job, err := s.storage.GetJobByID(ctx, jobID)
			if err != nil {
				return err
			}
			*result = jobs.Status(job.Status)
			return nil
		}

		*result = jobs.StatusCancelled
		s.logger.Info("Running job cancelled directly, no worker held the execution lock",
			slog.String("job_id", jobID),
		)
		return nil
	}

	// Work is mid-flight: record intent and let the worker observe it.
	ok, err := s.storage.UpdateStatusIf(ctx, jobID, jobs.StatusRunning, jobs.StatusCancelling)
	if err != nil {
		return err
	}
	if !ok {
		job, err := s.storage.GetJobByID(ctx, jobID)
		if err != nil {
			return err
		}
		*result = jobs.Status(job.Status)
		return nil
	}

	*result = jobs.StatusCancelling
	s.logger.Info("Cancellation requested for running job",
		slog.String("job_id", jobID),
	)
	return nil
}

// DeleteJob removes a terminal job.
func (s *JobService) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.storage.DeleteJob(ctx, jobID); err != nil {
		return err
	}

	s.logger.Info("Job deleted",
		slog.String("job_id", jobID),
	)
	return nil
}

// ListRuns returns the execution attempts of a job.
func (s *JobService) ListRuns(ctx context.Context, jobID string) ([]tracking.TaskRun, error) {
	if _, err := s.storage.GetJobByID(ctx, jobID); err != nil {
		return nil, err
	}
	return s.runs.ListByJob(ctx, jobID)
}

// Stats returns aggregate job counts, optionally scoped to a tenant.
func (s *JobService) Stats(ctx context.Context, tenantID string) (*storage.JobStats, error) {
	return s.storage.Stats(ctx, tenantID)
}
