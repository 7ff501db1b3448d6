package worker

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sellbridge/marketsync/internal/jobs"
)

func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}
}

func (w *Worker) workerLoop(ctx context.Context, slot int) {
	defer w.wg.Done()

	logger := w.logger.With(slog.Int("slot", slot))
	logger.Debug("Worker slot started")

	for msg := range w.jobsChan {
		err := w.processJob(ctx, msg)
		if err == nil {
			if ackErr := w.rabbitClient.GetChannel().Ack(msg.DeliveryTag, false); ackErr != nil {
				logger.Error("Failed to ack message",
					slog.String("job_id", msg.JobID),
					slog.String("error", ackErr.Error()),
				)
			}
			continue
		}

		requeue := shouldRequeueJob(err)
		logger.Warn("Job processing failed",
			slog.String("job_id", msg.JobID),
			slog.Bool("requeue", requeue),
			slog.String("error", err.Error()),
		)
		if nackErr := w.rabbitClient.GetChannel().Nack(msg.DeliveryTag, false, requeue); nackErr != nil {
			logger.Error("Failed to nack message",
				slog.String("job_id", msg.JobID),
				slog.String("error", nackErr.Error()),
			)
		}
	}

	logger.Debug("Worker slot stopped")
}

// shouldRequeueJob decides whether a failed delivery goes back to the
// queue. Only transient failures are requeued; everything else is
// already recorded on the job row and requeuing would just spin.
func shouldRequeueJob(err error) bool {
	var retryable *jobs.RetryableError
	if !errors.As(err, &retryable) {
		return false
	}
	switch {
	case errors.Is(err, jobs.ErrJobNotFound),
		errors.Is(err, jobs.ErrJobAlreadyClaimed),
		errors.Is(err, jobs.ErrInvalidPayload),
		errors.Is(err, jobs.ErrMaxRetriesExceeded),
		errors.Is(err, jobs.ErrJobCancelled):
		return false
	}
	return true
}
