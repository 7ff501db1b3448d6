package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// Outcome is the final result of one execution attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// TaskRun is one execution attempt of a marketplace job. Attempts are
// recorded at claim time and closed at finalization, so a retried job
// leaves one row per try.
type TaskRun struct {
	RunID      string     `db:"run_id" json:"run_id"`
	JobID      string     `db:"job_id" json:"job_id"`
	WorkerID   string     `db:"worker_id" json:"worker_id"`
	Attempt    int        `db:"attempt" json:"attempt"`
	StartedAt  time.Time  `db:"started_at" json:"started_at"`
	FinishedAt *time.Time `db:"finished_at" json:"finished_at,omitempty"`
	Outcome    *string    `db:"outcome" json:"outcome,omitempty"`
	Detail     string     `db:"detail" json:"detail,omitempty"`
}

// Tracker records task runs for observability and retry accounting.
type Tracker struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewTracker creates a Tracker on top of the given database handle.
func NewTracker(db *sqlx.DB, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:     db,
		logger: logger,
	}
}

// Begin records the start of an execution attempt and returns the run ID.
func (t *Tracker) Begin(ctx context.Context, jobID, workerID string, attempt int) (string, error) {
	runID := uuid.New().String()

	query := `
		INSERT INTO task_runs (run_id, job_id, worker_id, attempt, started_at)
		VALUES ($1, $2, $3, $4, NOW())
	`

	_, err := t.db.ExecContext(ctx, query, runID, jobID, workerID, attempt)
	if err != nil {
		return "", fmt.Errorf("failed to record task run: %w", err)
	}

	t.logger.Debug("Task run started",
		slog.String("run_id", runID),
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
	)

	return runID, nil
}

// Finish closes an execution attempt with its outcome. Closing an already
// closed run is a no-op, which keeps Finish safe to call from defers.
func (t *Tracker) Finish(ctx context.Context, runID string, outcome Outcome, detail string) error {
	query := `
		UPDATE task_runs
		SET finished_at = NOW(),
		    outcome = $1,
		    detail = $2
		WHERE run_id = $3 AND finished_at IS NULL
	`

	result, err := t.db.ExecContext(ctx, query, string(outcome), detail, runID)
	if err != nil {
		return fmt.Errorf("failed to finish task run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		t.logger.Debug("Task run already finished",
			slog.String("run_id", runID),
		)
		return nil
	}

	t.logger.Debug("Task run finished",
		slog.String("run_id", runID),
		slog.String("outcome", string(outcome)),
	)

	return nil
}

// ListByJob returns all execution attempts of a job, oldest first.
func (t *Tracker) ListByJob(ctx context.Context, jobID string) ([]TaskRun, error) {
	query := `
		SELECT run_id, job_id, worker_id, attempt, started_at, finished_at, outcome, COALESCE(detail, '') AS detail
		FROM task_runs
		WHERE job_id = $1
		ORDER BY started_at ASC, run_id ASC
	`

	var runs []TaskRun
	if err := t.db.SelectContext(ctx, &runs, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list task runs: %w", err)
	}

	return runs, nil
}
