package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sellbridge/marketsync/internal/jobs"
	"github.com/sellbridge/marketsync/internal/locks"
	"github.com/sellbridge/marketsync/internal/tracking"
)

// processJob runs a single job end to end: take the execution lock,
// claim the row, execute the marketplace action, and record the
// terminal status. A nil return means the delivery should be acked.
func (w *Worker) processJob(ctx context.Context, msg *jobs.Message) error {
	logger := w.logger.With(
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", w.workerID),
	)

	acquired, release, err := w.locker.Acquire(ctx, locks.NamespaceWork, locks.KeyFor(msg.JobID))
	if err != nil {
		return jobs.NewRetryableError(fmt.Errorf("failed to acquire execution lock: %w", err))
	}
	if !acquired {
		// Another worker holds the job; the duplicate delivery is dropped.
		logger.Warn("Execution lock held elsewhere, skipping delivery")
		return fmt.Errorf("execution lock not acquired: %w", jobs.ErrJobAlreadyClaimed)
	}
	defer release()

	job, err := w.storage.ClaimJob(ctx, msg.JobID, w.workerID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobAlreadyClaimed) {
			logger.Warn("Job no longer pending, skipping delivery")
			return err
		}
		return jobs.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	attempt := job.RetryCount + 1
	logger = logger.With(
		slog.String("marketplace", string(job.Marketplace)),
		slog.String("action", string(job.Action)),
		slog.Int("attempt", attempt),
	)
	logger.Info("Processing job")

	runID, err := w.tracker.Begin(ctx, job.JobID, w.workerID, attempt)
	if err != nil {
		// Tracking is best effort; the job itself still runs.
		logger.Error("Failed to record task run", slog.String("error", err.Error()))
		runID = ""
	}

	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
		parseErr := fmt.Errorf("failed to parse job payload: %w", jobs.ErrInvalidPayload)
		w.finishJob(ctx, logger, job.JobID, runID, nil, parseErr)
		return parseErr
	}

	timeout := w.jobTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}

	jobCtx, cancelJob := context.WithCancelCause(ctx)
	defer cancelJob(nil)
	jobCtx, cancelTimeout := context.WithTimeout(jobCtx, timeout)
	defer cancelTimeout()

	go w.sendJobHeartbeats(jobCtx, job.JobID)
	go w.watchForCancellation(jobCtx, logger, job.JobID, cancelJob)

	result, execErr := w.executor.Execute(jobCtx, job, payload)
	if execErr != nil && errors.Is(context.Cause(jobCtx), jobs.ErrJobCancelled) {
		execErr = fmt.Errorf("execution aborted: %w", jobs.ErrJobCancelled)
	}

	return w.finishJob(ctx, logger, job.JobID, runID, result, execErr)
}

// finishJob records the terminal status for an attempt. Status updates
// are guarded (current status must match), so a cancellation request
// that slipped in during execution wins exactly one of the two races.
func (w *Worker) finishJob(ctx context.Context, logger *slog.Logger, jobID, runID string, result map[string]interface{}, execErr error) error {
	if execErr == nil {
		ok, err := w.storage.UpdateStatusIf(ctx, jobID, jobs.StatusRunning, jobs.StatusCompleted, result, "")
		if err != nil {
			return jobs.NewRetryableError(fmt.Errorf("failed to complete job: %w", err))
		}
		if ok {
			w.finishRun(ctx, runID, tracking.OutcomeCompleted, "")
			logger.Info("Job completed")
			return nil
		}
		// Cancellation was requested mid-flight; the work finished but
		// the job resolves to CANCELLED per the requested intent.
		if _, err := w.storage.UpdateStatusIf(ctx, jobID, jobs.StatusCancelling, jobs.StatusCancelled, result, ""); err != nil {
			return jobs.NewRetryableError(fmt.Errorf("failed to finalize cancelled job: %w", err))
		}
		w.finishRun(ctx, runID, tracking.OutcomeCancelled, "work finished after cancellation was requested")
		logger.Info("Job cancelled after work finished")
		return nil
	}

	if errors.Is(execErr, jobs.ErrJobCancelled) {
		if _, err := w.storage.UpdateStatusIf(ctx, jobID, jobs.StatusCancelling, jobs.StatusCancelled, nil, ""); err != nil {
			return jobs.NewRetryableError(fmt.Errorf("failed to finalize cancelled job: %w", err))
		}
		w.finishRun(ctx, runID, tracking.OutcomeCancelled, execErr.Error())
		logger.Info("Job cancelled")
		return execErr
	}

	w.finishRun(ctx, runID, tracking.OutcomeFailed, execErr.Error())

	if !errors.Is(execErr, jobs.ErrInvalidPayload) {
		requeued, err := w.storage.RequeueForRetry(ctx, jobID)
		if err != nil {
			return jobs.NewRetryableError(fmt.Errorf("failed to requeue job: %w", err))
		}
		if requeued {
			logger.Warn("Job failed, scheduled for retry", slog.String("error", execErr.Error()))
			return jobs.NewRetryableError(execErr)
		}
	}

	ok, err := w.storage.UpdateStatusIf(ctx, jobID, jobs.StatusRunning, jobs.StatusFailed, nil, execErr.Error())
	if err != nil {
		return jobs.NewRetryableError(fmt.Errorf("failed to mark job failed: %w", err))
	}
	if !ok {
		// The watcher missed it but a cancel request moved the job to
		// CANCELLING before the failure landed.
		if _, err := w.storage.UpdateStatusIf(ctx, jobID, jobs.StatusCancelling, jobs.StatusCancelled, nil, execErr.Error()); err != nil {
			return jobs.NewRetryableError(fmt.Errorf("failed to finalize cancelled job: %w", err))
		}
		logger.Info("Job cancelled after failure")
		return fmt.Errorf("job cancelled: %w", jobs.ErrJobCancelled)
	}

	logger.Error("Job failed permanently", slog.String("error", execErr.Error()))
	if errors.Is(execErr, jobs.ErrInvalidPayload) {
		return execErr
	}
	return fmt.Errorf("%w: %v", jobs.ErrMaxRetriesExceeded, execErr)
}

func (w *Worker) finishRun(ctx context.Context, runID string, outcome tracking.Outcome, detail string) {
	if runID == "" {
		return
	}
	if err := w.tracker.Finish(ctx, runID, outcome, detail); err != nil {
		w.logger.Error("Failed to finish task run",
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
}

func (w *Worker) sendJobHeartbeats(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.storage.UpdateJobHeartbeat(ctx, jobID); err != nil {
				w.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// watchForCancellation polls the job row while it executes. A cancel
// request flips the status to CANCELLING; the watcher propagates it by
// cancelling the job context with ErrJobCancelled as the cause.
func (w *Worker) watchForCancellation(ctx context.Context, logger *slog.Logger, jobID string, cancelJob context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status, err := w.storage.GetJobStatus(ctx, jobID)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				logger.Warn("Cancellation poll failed", slog.String("error", err.Error()))
				continue
			}
			if status == jobs.StatusCancelling {
				logger.Info("Cancellation requested, aborting execution")
				cancelJob(jobs.ErrJobCancelled)
				return
			}
		}
	}
}
