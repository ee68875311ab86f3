package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaypoint/notifier/internal/api/handler"
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
		if deps.DBHealth != nil {
			if err := deps.DBHealth(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "degraded",
					"service": "notifier-api-service",
					"error":   err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "notifier-api-service",
		})
	})

	eventHandler := handler.NewEventHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		events := v1.Group("/events")
		{
			// POST /api/v1/events/trigger - Start a workflow run
			events.POST("/trigger", eventHandler.TriggerEvent)

			// POST /api/v1/events/trigger/:transactionId/cancel - Cancel pending jobs
			events.POST("/trigger/:transactionId/cancel", eventHandler.CancelEvent)
		}

		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs/:jobId/unsnooze - Bring a snoozed message back
			jobs.POST("/:jobId/unsnooze", eventHandler.UnsnoozeMessage)
		}

		// GET /api/v1/ws - Websocket registration for feed counter events
		v1.GET("/ws", eventHandler.Socket)
	}

	return r
}
