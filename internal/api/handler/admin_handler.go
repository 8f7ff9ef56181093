package handler

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/service"
)

// Sweeper runs one retention sweep.
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// AdminHandler handles admin operations.
type AdminHandler struct {
	sweeper Sweeper
	logger  *logger.Logger

	// Sweep run state
	mu            sync.RWMutex
	isRunning     bool
	lastReport    *service.SweepReport
	lastRunTime   time.Time
	lastRunStatus string
}

// NewAdminHandler creates a new admin handler.
// Parameters:
//   - sweeper: retention sweeper instance.
//   - log: logger instance.
// Returns:
//   - *AdminHandler: initialized handler.
func NewAdminHandler(sweeper Sweeper, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		sweeper: sweeper,
		logger:  log,
	}
}

// SweepStatusResponse represents the sweep status.
type SweepStatusResponse struct {
	IsRunning     bool                 `json:"is_running"`
	LastRunTime   string               `json:"last_run_time,omitempty"`
	LastRunStatus string               `json:"last_run_status,omitempty"`
	LastReport    *service.SweepReport `json:"last_report,omitempty"`
}

// TriggerSweep handles POST /api/v1/admin/sweep. The sweep runs in the
// background; its outcome is read from GetSweepStatus.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) TriggerSweep(c *gin.Context) {
	ctx := c.Request.Context()

	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		logger.CtxWarn(ctx, "Sweep request rejected: already running, client_ip=%s", c.ClientIP())
		c.JSON(http.StatusConflict, gin.H{"error": "Sweep is already running"})
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	logger.CtxInfo(ctx, "Starting manual retention sweep: client_ip=%s", c.ClientIP())

	// Detach from the request; keep its logging fields
	go h.runSweep(context.WithoutCancel(ctx))

	c.JSON(http.StatusAccepted, gin.H{"message": "Sweep started"})
}

func (h *AdminHandler) runSweep(ctx context.Context) {
	report, err := h.sweeper.Sweep(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.isRunning = false
	h.lastRunTime = time.Now()
	h.lastReport = report
	if err != nil {
		h.lastRunStatus = "failed: " + err.Error()
		h.logger.WithError(err).Error("Manual retention sweep failed")
		return
	}
	h.lastRunStatus = "completed"
}

// GetSweepStatus handles GET /api/v1/admin/sweep.
// Parameters:
//   - c: Gin request context.
// Returns: none (writes JSON response).
func (h *AdminHandler) GetSweepStatus(c *gin.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	resp := SweepStatusResponse{
		IsRunning:     h.isRunning,
		LastRunStatus: h.lastRunStatus,
		LastReport:    h.lastReport,
	}
	if !h.lastRunTime.IsZero() {
		resp.LastRunTime = h.lastRunTime.Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, resp)
}
