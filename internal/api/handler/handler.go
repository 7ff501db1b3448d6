package handler

import (
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/sellbridge/marketsync/internal/api/service"
	"github.com/sellbridge/marketsync/internal/config"
	"github.com/sellbridge/marketsync/shared/postgresql"
	"github.com/sellbridge/marketsync/shared/rabbitmq"
)

// Dependencies holds everything the router and handlers need.
type Dependencies struct {
	Logger       *slog.Logger
	DBClient     *postgresql.Client
	RabbitClient *rabbitmq.Client
	RedisClient  *redis.Client
	JobService   *service.JobService
	RateLimit    config.RateLimitConfig
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service *service.JobService
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.JobService,
	}
}
