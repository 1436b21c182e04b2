package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mailroom/dispatcher/internal/database"
	"github.com/mailroom/dispatcher/internal/domain"
	"github.com/mailroom/dispatcher/internal/logger"
)

const defaultLedgerLimit = 50

type handlers struct {
	scheduler SchedulerControl
	services  *database.ServiceRepository
	quotas    *database.QuotaRepository
	logger    logger.Logger
}

func newHandlers(deps Deps) *handlers {
	return &handlers{
		scheduler: deps.Scheduler,
		services:  deps.Services,
		quotas:    deps.Quotas,
		logger:    deps.Logger,
	}
}

// startScheduler handles POST /api/v1/scheduler/start
func (h *handlers) startScheduler(c *gin.Context) {
	if h.scheduler.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"status": "already running"})
		return
	}
	// The loops outlive this request.
	h.scheduler.Start(context.Background())
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

// stopScheduler handles POST /api/v1/scheduler/stop
func (h *handlers) stopScheduler(c *gin.Context) {
	if !h.scheduler.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"status": "not running"})
		return
	}
	h.scheduler.Stop()
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// triggerCycle handles POST /api/v1/scheduler/trigger
func (h *handlers) triggerCycle(c *gin.Context) {
	h.scheduler.TriggerCycle(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "cycle complete"})
}

// runRecovery handles POST /api/v1/scheduler/recover
func (h *handlers) runRecovery(c *gin.Context) {
	stats := h.scheduler.RunRecovery(c.Request.Context())
	c.JSON(http.StatusOK, stats)
}

// schedulerStatus handles GET /api/v1/scheduler/status
func (h *handlers) schedulerStatus(c *gin.Context) {
	status, err := h.scheduler.Status(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get scheduler status",
			logger.Error(err),
			logger.String("path", c.Request.URL.Path),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve scheduler status",
		})
		return
	}
	c.JSON(http.StatusOK, status)
}

// listServices handles GET /api/v1/services
func (h *handlers) listServices(c *gin.Context) {
	services, err := h.services.ListAll(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list services", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve services",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

// readyServices handles GET /api/v1/scheduler/services/ready. It reports the
// services the next process cycle would dispatch through.
func (h *handlers) readyServices(c *gin.Context) {
	services, err := h.services.EligibleForDispatch(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to list ready services", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve ready services",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

// unblockService handles POST /api/v1/services/:id/unblock
func (h *handlers) unblockService(c *gin.Context) {
	id, ok := parseUUID(c, "id", "service")
	if !ok {
		return
	}

	if err := h.services.Unblock(c.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "service not found"})
			return
		}
		h.logger.Error("Failed to unblock service",
			logger.String("service_id", id.String()),
			logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to unblock service",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "unblocked", "service_id": id.String()})
}

// getQuota handles GET /api/v1/quota/:user_id
func (h *handlers) getQuota(c *gin.Context) {
	userID, ok := parseUUID(c, "user_id", "user")
	if !ok {
		return
	}

	account, err := h.quotas.Account(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("Failed to get quota account",
			logger.String("user_id", userID.String()),
			logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve quota",
		})
		return
	}
	c.JSON(http.StatusOK, account)
}

// getLedger handles GET /api/v1/quota/:user_id/ledger
func (h *handlers) getLedger(c *gin.Context) {
	userID, ok := parseUUID(c, "user_id", "user")
	if !ok {
		return
	}

	limitStr := c.DefaultQuery("limit", strconv.Itoa(defaultLedgerLimit))
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = defaultLedgerLimit
	}

	entries, err := h.quotas.History(c.Request.Context(), userID, limit)
	if err != nil {
		h.logger.Error("Failed to get quota ledger",
			logger.String("user_id", userID.String()),
			logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve quota ledger",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// parseUUID parses a UUID from a gin.Context parameter
func parseUUID(c *gin.Context, paramName, entityType string) (uuid.UUID, bool) {
	idParam := c.Param(paramName)
	id, err := uuid.Parse(idParam)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + entityType + " ID format",
		})
		return uuid.Nil, false
	}
	return id, true
}
