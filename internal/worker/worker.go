package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sellbridge/marketsync/internal/jobs"
	"github.com/sellbridge/marketsync/internal/locks"
	"github.com/sellbridge/marketsync/internal/tracking"
	"github.com/sellbridge/marketsync/shared/rabbitmq"
)

// Storage is the persistence contract the worker needs.
type Storage interface {
	ClaimJob(ctx context.Context, jobID, workerID string) (*jobs.Job, error)
	GetJobStatus(ctx context.Context, jobID string) (jobs.Status, error)
	UpdateStatusIf(ctx context.Context, jobID string, from, to jobs.Status, result map[string]interface{}, errorMsg string) (bool, error)
	RequeueForRetry(ctx context.Context, jobID string) (bool, error)
	UpdateJobHeartbeat(ctx context.Context, jobID string) error
}

// Tracker records execution attempts.
type Tracker interface {
	Begin(ctx context.Context, jobID, workerID string, attempt int) (string, error)
	Finish(ctx context.Context, runID string, outcome tracking.Outcome, detail string) error
}

// Config holds worker configuration
type Config struct {
	Logger             *slog.Logger
	Storage            Storage
	Tracker            Tracker
	Locker             locks.Locker
	RabbitClient       *rabbitmq.Client
	Executor           *Executor
	Concurrency        int
	PrefetchCount      int
	JobTimeout         time.Duration
	HeartbeatInterval  time.Duration
	CancelPollInterval time.Duration
}

// Worker consumes job messages and executes marketplace actions.
type Worker struct {
	logger             *slog.Logger
	storage            Storage
	tracker            Tracker
	locker             locks.Locker
	rabbitClient       *rabbitmq.Client
	executor           *Executor
	concurrency        int
	prefetchCount      int
	jobTimeout         time.Duration
	heartbeatInterval  time.Duration
	cancelPollInterval time.Duration
	workerID           string
	jobsChan           chan *jobs.Message
	wg                 sync.WaitGroup
	stopChan           chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	return &Worker{
		logger:             cfg.Logger,
		storage:            cfg.Storage,
		tracker:            cfg.Tracker,
		locker:             cfg.Locker,
		rabbitClient:       cfg.RabbitClient,
		executor:           cfg.Executor,
		concurrency:        cfg.Concurrency,
		prefetchCount:      cfg.PrefetchCount,
		jobTimeout:         cfg.JobTimeout,
		heartbeatInterval:  cfg.HeartbeatInterval,
		cancelPollInterval: cfg.CancelPollInterval,
		workerID:           "worker-" + uuid.New().String(),
		jobsChan:           make(chan *jobs.Message, cfg.Concurrency),
		stopChan:           make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. Blocks until the context
// is canceled or the delivery channel closes.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	deliveries, err := w.setupConsumer(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	w.spawnWorkerPool(ctx)
	w.startMessageDispatcher(ctx, deliveries)

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...",
		slog.String("worker_id", w.workerID),
	)
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
