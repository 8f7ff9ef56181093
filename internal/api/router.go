package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/conveyor/internal/api/handler"
	"github.com/timmy/conveyor/internal/api/middleware"
	"github.com/timmy/conveyor/internal/logger"
)

// RouterDeps holds the handlers' collaborators.
type RouterDeps struct {
	Health   *handler.HealthHandler
	Pipeline *handler.PipelineHandler
	Admin    *handler.AdminHandler
	Gatherer prometheus.Gatherer
	Logger   *logger.Logger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps *RouterDeps, mode string) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	log := deps.Logger
	if log == nil {
		log = logger.GetDefault()
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))

	// Health check and metrics
	r.GET("/health", deps.Health.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		v1.GET("/stats", deps.Pipeline.GetStats)
		v1.GET("/jobs", deps.Pipeline.ListJobs)
		v1.POST("/trigger/:stage", deps.Pipeline.TriggerJob)

		admin := v1.Group("/admin")
		admin.POST("/sweep", deps.Admin.TriggerSweep)
		admin.GET("/sweep", deps.Admin.GetSweepStatus)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return r
}
