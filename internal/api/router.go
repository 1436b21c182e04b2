// Package api exposes the dispatcher's HTTP control surface: scheduler
// lifecycle operations, quota lookups and service administration.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailroom/dispatcher/internal/database"
	"github.com/mailroom/dispatcher/internal/logger"
	"github.com/mailroom/dispatcher/internal/scheduler"
)

const (
	corsMaxAgeHours = 12
)

// SchedulerControl is the slice of the scheduler the control surface needs.
type SchedulerControl interface {
	Start(ctx context.Context)
	Stop()
	IsRunning() bool
	TriggerCycle(ctx context.Context)
	Status(ctx context.Context) (scheduler.Status, error)
	RunRecovery(ctx context.Context) scheduler.RecoveryStats
}

// Deps bundles the handler collaborators.
type Deps struct {
	Scheduler SchedulerControl
	Services  *database.ServiceRepository
	Quotas    *database.QuotaRepository
	Gatherer  prometheus.Gatherer
	Logger    logger.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(deps Deps, corsOrigins []string) *gin.Engine {
	router := gin.New()

	// CORS middleware - must be first
	router.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins,
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Content-Length", "Accept-Encoding",
			"X-CSRF-Token", "Authorization", "accept", "origin",
			"Cache-Control", "X-Requested-With",
		},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           corsMaxAgeHours * time.Hour,
	}))

	router.Use(ginLogger(deps.Logger))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "dispatcher"})
	})

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	h := newHandlers(deps)

	v1 := router.Group("/api/v1")

	sched := v1.Group("/scheduler")
	sched.POST("/start", h.startScheduler)
	sched.POST("/stop", h.stopScheduler)
	sched.POST("/trigger", h.triggerCycle)
	sched.POST("/recover", h.runRecovery)
	sched.GET("/status", h.schedulerStatus)
	sched.GET("/services/ready", h.readyServices)

	services := v1.Group("/services")
	services.GET("", h.listServices)
	services.POST("/:id/unblock", h.unblockService)

	quota := v1.Group("/quota")
	quota.GET("/:user_id", h.getQuota)
	quota.GET("/:user_id/ledger", h.getLedger)

	return router
}

func ginLogger(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.Info("HTTP request",
			logger.String("method", method),
			logger.String("path", path),
			logger.Int("status_code", statusCode),
			logger.String("client_ip", c.ClientIP()),
			logger.Duration("duration", duration),
		)
	}
}
