package jobs

// Job is a marketplace job as the worker sees it: enough to execute the
// action and decide retry behavior.
type Job struct {
	JobID          string
	TenantID       string
	Marketplace    Marketplace
	Action         Action
	Payload        string // JSON string
	Status         Status
	WorkerID       string
	RetryCount     int
	MaxRetries     int
	TimeoutSeconds int
}

// Message is a job message from the queue.
type Message struct {
	JobID       string `json:"job_id"`
	Marketplace string `json:"marketplace"`
	DeliveryTag uint64 `json:"-"`
}
