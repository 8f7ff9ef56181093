package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/repository"
	"github.com/timmy/conveyor/internal/service"
)

const (
	defaultJobsLimit = 50
	maxJobsLimit     = 500
)

// StatsSource exposes the snapshot of the last monitoring cycle.
type StatsSource interface {
	Snapshot() *domain.SystemStats
}

// ManualDispatcher submits jobs outside the monitoring cadence.
type ManualDispatcher interface {
	DispatchManual(ctx context.Context, stage domain.JobType, source string) (*service.DispatchResult, error)
}

// PipelineHandler serves pipeline state and manual triggers.
type PipelineHandler struct {
	stats      StatsSource
	dispatcher ManualDispatcher
	repo       repository.StateRepository
	sources    map[string]struct{}
}

// NewPipelineHandler creates a new pipeline handler.
// Parameters:
//   - stats: source of the latest SystemStats snapshot.
//   - dispatcher: manual job dispatcher.
//   - repo: state repository used to list job records.
//   - sources: configured source ids accepted by TriggerJob.
// Returns:
//   - *PipelineHandler: initialized handler.
func NewPipelineHandler(stats StatsSource, dispatcher ManualDispatcher, repo repository.StateRepository, sources []string) *PipelineHandler {
	known := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		known[s] = struct{}{}
	}
	return &PipelineHandler{stats: stats, dispatcher: dispatcher, repo: repo, sources: known}
}

// GetStats handles GET /api/v1/stats.
func (h *PipelineHandler) GetStats(c *gin.Context) {
	snapshot := h.stats.Snapshot()
	if snapshot == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No monitoring cycle has completed yet"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// ListJobs handles GET /api/v1/jobs?limit=&job_type=&source=&status=.
func (h *PipelineHandler) ListJobs(c *gin.Context) {
	ctx := c.Request.Context()

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultJobsLimit)))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	if limit > maxJobsLimit {
		limit = maxJobsLimit
	}

	var filters []repository.Filter
	if v := c.Query("job_type"); v != "" {
		stage, err := domain.ParseJobType(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		filters = append(filters, repository.Eq(repository.ColumnJobType, string(stage)))
	}
	if v := c.Query("source"); v != "" {
		filters = append(filters, repository.Eq(repository.ColumnTargetSource, v))
	}
	if v := c.Query("status"); v != "" {
		filters = append(filters, repository.Eq(repository.ColumnStatus, v))
	}

	jobs := make([]domain.JobRecord, 0, limit)
	if err := h.repo.FindRecent(ctx, repository.TableJobs, &jobs, limit, filters...); err != nil {
		logger.CtxError(ctx, "Failed to list jobs: error=%v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs: " + err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "total": len(jobs)})
}

// TriggerJob handles POST /api/v1/trigger/:stage?source=.
func (h *PipelineHandler) TriggerJob(c *gin.Context) {
	ctx := c.Request.Context()

	stage, err := domain.ParseJobType(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := c.Query("source")
	if stage.PerSource() {
		if _, ok := h.sources[source]; !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown source: " + source})
			return
		}
	}

	logger.CtxInfo(ctx, "Manual trigger requested: stage=%s, source=%s, client_ip=%s", stage, source, c.ClientIP())

	res, err := h.dispatcher.DispatchManual(ctx, stage, source)
	switch {
	case errors.Is(err, service.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "A " + string(stage) + " job is already in flight"})
		return
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": "Dispatch failed: " + err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"job_id": res.JobID,
		"stage":  res.Stage,
		"source": res.Source,
		"queue":  res.Stage.QueueName(),
	})
}
