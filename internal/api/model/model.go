package model

import "time"

// Job is the database row shape of a marketplace job as the API sees it.
type Job struct {
	JobID          string     `db:"job_id"`
	TenantID       string     `db:"tenant_id"`
	UserID         string     `db:"user_id"`
	IdempotencyKey string     `db:"idempotency_key"`
	Marketplace    string     `db:"marketplace"`
	Action         string     `db:"action"`
	Payload        string     `db:"payload"`
	Status         string     `db:"status"`
	ErrorMessage   string     `db:"error_message"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at"`
}
