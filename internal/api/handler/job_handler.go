package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/sellbridge/marketsync/internal/api/dto"
	"github.com/sellbridge/marketsync/internal/api/model"
	"github.com/sellbridge/marketsync/internal/api/storage"
	"github.com/sellbridge/marketsync/internal/jobs"
)

// CreateJob handles POST /api/v1/jobs
// Creates a new marketplace job and enqueues it for processing.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	job, created, err := h.service.CreateJob(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidPayload) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	status := http.StatusCreated
	if !created {
		// Idempotent replay returns the original job.
		status = http.StatusOK
	}
	c.JSON(status, jobToDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Retrieves detailed information about a specific job
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	job, err := h.service.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, jobToDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		TenantID:    req.TenantID,
		Marketplace: req.Marketplace,
		Action:      req.Action,
		Status:      req.Status,
		PageSize:    req.PageSize,
		Cursor:      cursor,
	}

	result, err := h.service.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(result) > req.PageSize
	if hasMore {
		result = result[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(result))
	for i := range result {
		jobResponse[i] = jobToDTO(&result[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := result[len(result)-1]
		nextCursor = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Requests cancellation of a job. Cancelling a job that already reached a
// terminal status is a no-op and reports that status.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	status, err := h.service.CancelJob(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrCancelInProgress) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Cancellation already in progress",
			})
			return
		}
		h.respondJobError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, dto.CancelJobResponse{
		JobID:  jobID,
		Status: string(status),
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Permanently deletes a terminal job record.
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	if err := h.service.DeleteJob(c.Request.Context(), jobID); err != nil {
		if errors.Is(err, jobs.ErrJobNotTerminal) {
			c.JSON(http.StatusConflict, gin.H{
				"error": "Job is not in a terminal status",
			})
			return
		}
		h.respondJobError(c, jobID, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// GetJobRuns handles GET /api/v1/jobs/:job_id/runs
// Lists execution attempts of a job, oldest first.
func (h *JobHandler) GetJobRuns(c *gin.Context) {
	jobID, ok := h.jobIDParam(c)
	if !ok {
		return
	}

	runs, err := h.service.ListRuns(c.Request.Context(), jobID)
	if err != nil {
		h.respondJobError(c, jobID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"runs":   runs,
	})
}

// GetStats handles GET /api/v1/jobs/stats
// Returns aggregate job counts per status and per marketplace.
func (h *JobHandler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		h.logger.Error("Failed to aggregate job stats", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to aggregate job stats",
		})
		return
	}

	c.JSON(http.StatusOK, dto.JobStatsResponse{
		ByStatus:      stats.ByStatus,
		ByMarketplace: stats.ByMarketplace,
	})
}

// jobIDParam validates the :job_id path parameter.
func (h *JobHandler) jobIDParam(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return "", false
	}
	return jobID, true
}

// respondJobError maps service errors to HTTP responses.
func (h *JobHandler) respondJobError(c *gin.Context, jobID string, err error) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return
	}

	h.logger.Error("Job request failed",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Internal server error",
	})
}

func jobToDTO(job *model.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:          job.JobID,
		IdempotencyKey: job.IdempotencyKey,
		TenantID:       job.TenantID,
		UserID:         job.UserID,
		Marketplace:    job.Marketplace,
		Action:         job.Action,
		Payload:        job.Payload,
		Status:         job.Status,
		ErrorMessage:   job.ErrorMessage,
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
}
