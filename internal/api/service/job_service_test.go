package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sellbridge/marketsync/internal/api/dto"
	"github.com/sellbridge/marketsync/internal/api/model"
	"github.com/sellbridge/marketsync/internal/api/storage"
	"github.com/sellbridge/marketsync/internal/jobs"
	"github.com/sellbridge/marketsync/internal/locks"
	"github.com/sellbridge/marketsync/internal/tracking"
)

type fakeJobStorage struct {
	jobsByID  map[string]*model.Job
	createErr error
}

func newFakeJobStorage(seed ...*model.Job) *fakeJobStorage {
	s := &fakeJobStorage{jobsByID: make(map[string]*model.Job)}
	for _, job := range seed {
		s.jobsByID[job.JobID] = job
	}
	return s
}

func (s *fakeJobStorage) CreateJob(_ context.Context, job *model.Job) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.jobsByID[job.JobID] = job
	return nil
}

func (s *fakeJobStorage) GetJobByID(_ context.Context, jobID string) (*model.Job, error) {
	job, ok := s.jobsByID[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return job, nil
}

func (s *fakeJobStorage) GetJobByTenantAndIdempotencyKey(_ context.Context, tenantID, idempotencyKey string) (*model.Job, error) {
	for _, job := range s.jobsByID {
		if job.TenantID == tenantID && job.IdempotencyKey == idempotencyKey {
			return job, nil
		}
	}
	return nil, nil
}

func (s *fakeJobStorage) ListJobs(_ context.Context, _ storage.JobFilter) ([]model.Job, error) {
	out := make([]model.Job, 0, len(s.jobsByID))
	for _, job := range s.jobsByID {
		out = append(out, *job)
	}
	return out, nil
}

func (s *fakeJobStorage) UpdateStatusIf(_ context.Context, jobID string, from, to jobs.Status) (bool, error) {
	job, ok := s.jobsByID[jobID]
	if !ok {
		return false, jobs.ErrJobNotFound
	}
	if !from.CanTransitionTo(to) {
		return false, jobs.TransitionError(from, to)
	}
	if jobs.Status(job.Status) != from {
		return false, nil
	}
	job.Status = string(to)
	return true, nil
}

func (s *fakeJobStorage) DeleteJob(_ context.Context, jobID string) error {
	job, ok := s.jobsByID[jobID]
	if !ok {
		return jobs.ErrJobNotFound
	}
	if !jobs.Status(job.Status).Terminal() {
		return jobs.ErrJobNotTerminal
	}
	delete(s.jobsByID, jobID)
	return nil
}

func (s *fakeJobStorage) Stats(_ context.Context, tenantID string) (*storage.JobStats, error) {
	stats := &storage.JobStats{
		ByStatus:      make(map[string]int64),
		ByMarketplace: make(map[string]int64),
	}
	for _, job := range s.jobsByID {
		if tenantID != "" && job.TenantID != tenantID {
			continue
		}
		stats.ByStatus[job.Status]++
		stats.ByMarketplace[job.Marketplace]++
	}
	return stats, nil
}

type fakePublisher struct {
	published   [][]byte
	routingKeys []string
	publishErr  error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ string) error {
	if p.publishErr != nil {
		return p.publishErr
	}
	p.published = append(p.published, body)
	p.routingKeys = append(p.routingKeys, routingKey)
	return nil
}

func (p *fakePublisher) RoutingKeyFor(suffix string) string {
	return "marketsync.jobs." + suffix
}

// fakeServiceLocker tracks held locks per namespace and can be told to
// refuse a namespace, simulating a lock held elsewhere.
type fakeServiceLocker struct {
	refuse   map[locks.Namespace]bool
	acquired []locks.Namespace
	releases int
}

func (f *fakeServiceLocker) Acquire(_ context.Context, ns locks.Namespace, _ int32) (bool, func(), error) {
	if f.refuse[ns] {
		return false, func() {}, nil
	}
	f.acquired = append(f.acquired, ns)
	return true, func() { f.releases++ }, nil
}

type fakeRunLister struct {
	runs []tracking.TaskRun
}

func (f *fakeRunLister) ListByJob(_ context.Context, _ string) ([]tracking.TaskRun, error) {
	return f.runs, nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(serviceTestWriter{t}, nil))
}

type serviceTestWriter struct{ t *testing.T }

func (w serviceTestWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func newTestService(t *testing.T, store *fakeJobStorage, publisher *fakePublisher, locker *fakeServiceLocker) *JobService {
	t.Helper()
	if locker.refuse == nil {
		locker.refuse = make(map[locks.Namespace]bool)
	}
	return NewJobService(store, publisher, locker, &fakeRunLister{}, testLogger(t))
}

func validCreateRequest() *dto.CreateJobRequest {
	return &dto.CreateJobRequest{
		IdempotencyKey: "key-1",
		TenantID:       "tenant-1",
		UserID:         "user-1",
		Marketplace:    "ebay",
		Action:         "publish",
		Payload:        `{"title":"Vintage denim jacket","price":"100","currency":"EUR"}`,
	}
}

func seededJob(status jobs.Status) *model.Job {
	return &model.Job{
		JobID:          "9b2f4a10-0f3c-4d5e-9a6b-7c8d9e0f1a2b",
		TenantID:       "tenant-1",
		UserID:         "user-1",
		IdempotencyKey: "key-1",
		Marketplace:    "ebay",
		Action:         "publish",
		Payload:        `{}`,
		Status:         string(status),
	}
}

func TestCreateJobPublishesMessage(t *testing.T) {
	store := newFakeJobStorage()
	publisher := &fakePublisher{}
	svc := newTestService(t, store, publisher, &fakeServiceLocker{})

	job, created, err := svc.CreateJob(context.Background(), validCreateRequest())
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, string(jobs.StatusPending), job.Status)
	assert.NotEmpty(t, job.JobID)

	require.Len(t, publisher.published, 1)
	assert.Equal(t, "marketsync.jobs.ebay", publisher.routingKeys[0])

	var msg JobMessage
	require.NoError(t, json.Unmarshal(publisher.published[0], &msg))
	assert.Equal(t, job.JobID, msg.JobID)
	assert.Equal(t, "ebay", msg.Marketplace)
}

func TestCreateJobIdempotentReplay(t *testing.T) {
	existing := seededJob(jobs.StatusRunning)
	store := newFakeJobStorage(existing)
	publisher := &fakePublisher{}
	svc := newTestService(t, store, publisher, &fakeServiceLocker{})

	job, created, err := svc.CreateJob(context.Background(), validCreateRequest())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.JobID, job.JobID)
	assert.Empty(t, publisher.published, "replay must not enqueue a second message")
}

func TestCreateJobValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(req *dto.CreateJobRequest)
	}{
		{
			name:   "unknown marketplace",
			mutate: func(req *dto.CreateJobRequest) { req.Marketplace = "amazon" },
		},
		{
			name:   "unknown action",
			mutate: func(req *dto.CreateJobRequest) { req.Action = "archive" },
		},
		{
			name:   "payload not JSON",
			mutate: func(req *dto.CreateJobRequest) { req.Payload = "{broken" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeJobStorage()
			svc := newTestService(t, store, &fakePublisher{}, &fakeServiceLocker{})

			req := validCreateRequest()
			tt.mutate(req)

			_, _, err := svc.CreateJob(context.Background(), req)
			assert.ErrorIs(t, err, jobs.ErrInvalidPayload)
			assert.Empty(t, store.jobsByID)
		})
	}
}

func TestCreateJobPublishFailureSurfaces(t *testing.T) {
	store := newFakeJobStorage()
	publisher := &fakePublisher{publishErr: errors.New("broker unreachable")}
	svc := newTestService(t, store, publisher, &fakeServiceLocker{})

	_, _, err := svc.CreateJob(context.Background(), validCreateRequest())
	require.Error(t, err)

	// The row stays PENDING so a retried request with the same key
	// replays it instead of duplicating.
	require.Len(t, store.jobsByID, 1)
	for _, job := range store.jobsByID {
		assert.Equal(t, string(jobs.StatusPending), job.Status)
	}
}

func TestCancelPendingJob(t *testing.T) {
	job := seededJob(jobs.StatusPending)
	store := newFakeJobStorage(job)
	locker := &fakeServiceLocker{}
	svc := newTestService(t, store, &fakePublisher{}, locker)

	status, err := svc.CancelJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, status)
	assert.Equal(t, string(jobs.StatusCancelled), job.Status)
	assert.Equal(t, 1, locker.releases)
}

func TestCancelRunningJobNoWorkerHoldsLock(t *testing.T) {
	job := seededJob(jobs.StatusRunning)
	store := newFakeJobStorage(job)
	locker := &fakeServiceLocker{}
	svc := newTestService(t, store, &fakePublisher{}, locker)

	status, err := svc.CancelJob(context.Background(), job.JobID)
	require.NoError(t, err)

	// The work lock probe succeeded, so the job is finalized here.
	assert.Equal(t, jobs.StatusCancelled, status)
	assert.Equal(t, string(jobs.StatusCancelled), job.Status)
	assert.Contains(t, locker.acquired, locks.NamespaceWork)
	assert.Equal(t, 2, locker.releases, "both cancel and work locks released")
}

func TestCancelRunningJobWorkerHoldsLock(t *testing.T) {
	job := seededJob(jobs.StatusRunning)
	store := newFakeJobStorage(job)
	locker := &fakeServiceLocker{refuse: map[locks.Namespace]bool{locks.NamespaceWork: true}}
	svc := newTestService(t, store, &fakePublisher{}, locker)

	status, err := svc.CancelJob(context.Background(), job.JobID)
	require.NoError(t, err)

	// A worker is executing; only the intent is recorded.
	assert.Equal(t, jobs.StatusCancelling, status)
	assert.Equal(t, string(jobs.StatusCancelling), job.Status)
}

func TestCancelTerminalJobIsNoOp(t *testing.T) {
	for _, terminal := range []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled} {
		t.Run(string(terminal), func(t *testing.T) {
			job := seededJob(terminal)
			store := newFakeJobStorage(job)
			svc := newTestService(t, store, &fakePublisher{}, &fakeServiceLocker{})

			status, err := svc.CancelJob(context.Background(), job.JobID)
			require.NoError(t, err)
			assert.Equal(t, terminal, status)
			assert.Equal(t, string(terminal), job.Status)
		})
	}
}

func TestCancelAlreadyCancellingIsNoOp(t *testing.T) {
	job := seededJob(jobs.StatusCancelling)
	store := newFakeJobStorage(job)
	svc := newTestService(t, store, &fakePublisher{}, &fakeServiceLocker{})

	status, err := svc.CancelJob(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelling, status)
}

func TestCancelWhileAnotherCancelInFlight(t *testing.T) {
	job := seededJob(jobs.StatusRunning)
	store := newFakeJobStorage(job)
	locker := &fakeServiceLocker{refuse: map[locks.Namespace]bool{locks.NamespaceCancel: true}}
	svc := newTestService(t, store, &fakePublisher{}, locker)

	_, err := svc.CancelJob(context.Background(), job.JobID)
	assert.ErrorIs(t, err, jobs.ErrCancelInProgress)
	assert.Equal(t, string(jobs.StatusRunning), job.Status)
}

func TestCancelUnknownJob(t *testing.T) {
	svc := newTestService(t, newFakeJobStorage(), &fakePublisher{}, &fakeServiceLocker{})

	_, err := svc.CancelJob(context.Background(), "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestDeleteJob(t *testing.T) {
	job := seededJob(jobs.StatusCompleted)
	store := newFakeJobStorage(job)
	svc := newTestService(t, store, &fakePublisher{}, &fakeServiceLocker{})

	require.NoError(t, svc.DeleteJob(context.Background(), job.JobID))
	assert.Empty(t, store.jobsByID)
}

func TestDeleteNonTerminalJob(t *testing.T) {
	job := seededJob(jobs.StatusRunning)
	store := newFakeJobStorage(job)
	svc := newTestService(t, store, &fakePublisher{}, &fakeServiceLocker{})

	err := svc.DeleteJob(context.Background(), job.JobID)
	assert.ErrorIs(t, err, jobs.ErrJobNotTerminal)
	assert.Len(t, store.jobsByID, 1)
}

func TestListRunsUnknownJob(t *testing.T) {
	svc := newTestService(t, newFakeJobStorage(), &fakePublisher{}, &fakeServiceLocker{})

	_, err := svc.ListRuns(context.Background(), "missing")
	assert.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestStatsScopedToTenant(t *testing.T) {
	first := seededJob(jobs.StatusCompleted)
	second := seededJob(jobs.StatusPending)
	second.JobID = "other-job"
	second.TenantID = "tenant-2"
	second.IdempotencyKey = "key-2"
	store := newFakeJobStorage(first, second)
	svc := newTestService(t, store, &fakePublisher{}, &fakeServiceLocker{})

	stats, err := svc.Stats(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ByStatus[string(jobs.StatusCompleted)])
	assert.Equal(t, int64(1), stats.ByMarketplace["ebay"])
	assert.NotContains(t, stats.ByStatus, string(jobs.StatusPending))
}
