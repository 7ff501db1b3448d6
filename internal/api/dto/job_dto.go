package dto

type CreateJobRequest struct {
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	TenantID       string `json:"tenant_id" binding:"required"`
	UserID         string `json:"user_id" binding:"required"`
	Marketplace    string `json:"marketplace" binding:"required"`
	Action         string `json:"action" binding:"required"`
	Payload        string `json:"payload" binding:"required"`
}

type ListJobsRequest struct {
	TenantID    string `form:"tenant_id"`
	Marketplace string `form:"marketplace"`
	Action      string `form:"action"`
	Status      string `form:"status"`
	PageSize    int    `form:"page_size"`
	Cursor      string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string `json:"job_id"`
	IdempotencyKey string `json:"idempotency_key"`
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	Marketplace    string `json:"marketplace"`
	Action         string `json:"action"`
	Payload        string `json:"payload"`
	Status         string `json:"status"`
	ErrorMessage   string `json:"error_message,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type CancelJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

type JobStatsResponse struct {
	ByStatus      map[string]int64 `json:"by_status"`
	ByMarketplace map[string]int64 `json:"by_marketplace"`
}
