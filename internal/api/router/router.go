package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/sellbridge/marketsync/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if deps.DBClient != nil {
			if err := deps.DBClient.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  "database unreachable",
				})
				return
			}
		}
		if deps.RabbitClient != nil && !deps.RabbitClient.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "message broker unreachable",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "marketsync-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")

	if deps.RateLimit.Enabled && deps.RedisClient != nil {
		v1.Use(RateLimitMiddleware(RateLimiterConfig{
			RedisClient: deps.RedisClient,
			Limit:       deps.RateLimit.Limit,
			Window:      deps.RateLimit.Window,
		}))
	}

	{
		jobsGroup := v1.Group("/jobs")
		{
			jobsGroup.POST("", jobHandler.CreateJob)
			jobsGroup.GET("", jobHandler.ListJobs)
			jobsGroup.GET("/stats", jobHandler.GetStats)
			jobsGroup.GET("/:job_id", jobHandler.GetJob)
			jobsGroup.GET("/:job_id/runs", jobHandler.GetJobRuns)
			jobsGroup.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobsGroup.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
