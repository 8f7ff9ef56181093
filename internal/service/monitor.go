package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/metrics"
	"github.com/timmy/conveyor/internal/queue"
)

// Cycle results reported on monitor_cycles_total.
const (
	CycleCompleted = "completed"
	CyclePartial   = "partial"
	CycleAborted   = "aborted"
)

// Orchestrator runs one monitoring cycle: stats, per-source scrape and
// process evaluation, the global train evaluation and the queue gauges.
// It is built once at startup and shared by the control loop and the ops API.
type Orchestrator struct {
	sources    []string
	triggers   *TriggerEngine
	dispatcher *Dispatcher
	stats      *StatsAggregator
	queue      queue.Queue
	metrics    *metrics.Metrics

	requestTimeout time.Duration

	mu       sync.RWMutex
	snapshot *domain.SystemStats
}

// OrchestratorConfig holds the orchestrator settings.
type OrchestratorConfig struct {
	Sources        []string // evaluated in this order every cycle
	RequestTimeout time.Duration
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	triggers *TriggerEngine,
	dispatcher *Dispatcher,
	stats *StatsAggregator,
	q queue.Queue,
	m *metrics.Metrics,
	cfg *OrchestratorConfig,
) *Orchestrator {
	sources := make([]string, len(cfg.Sources))
	copy(sources, cfg.Sources)
	return &Orchestrator{
		sources:        sources,
		triggers:       triggers,
		dispatcher:     dispatcher,
		stats:          stats,
		queue:          q,
		metrics:        m,
		requestTimeout: cfg.RequestTimeout,
	}
}

// Snapshot returns the stats of the last cycle that got past aggregation, or nil.
func (o *Orchestrator) Snapshot() *domain.SystemStats {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshot
}

// RunCycle executes one monitoring cycle. Only a failed stats aggregation
// is returned as an error; a failed (source, stage) unit is logged,
// counted and skipped.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	start := time.Now()
	ctx = logger.SetCycleID(logger.SetComponent(ctx, "monitor"), uuid.NewString())

	defer func() {
		o.metrics.CycleDuration.Observe(time.Since(start).Seconds())
	}()

	stats, err := o.stats.Collect(ctx, o.sources)
	if err != nil {
		o.metrics.Cycles.WithLabelValues(CycleAborted).Inc()
		logger.FromContext(ctx).WithError(err).Error("Monitoring cycle aborted: stats aggregation failed")
		return fmt.Errorf("aggregate stats: %w", err)
	}
	o.setSnapshot(stats)
	o.logStats(ctx, stats)

	failures := 0
	for _, source := range o.sources {
		for _, stage := range []domain.JobType{domain.JobTypeScrape, domain.JobTypeProcess} {
			if !o.runUnit(ctx, stage, source, start) {
				failures++
			}
		}
	}
	if !o.runUnit(ctx, domain.JobTypeTrain, "", start) {
		failures++
	}

	o.refreshQueueGauges(ctx)

	result := CycleCompleted
	if failures > 0 {
		result = CyclePartial
	}
	o.metrics.Cycles.WithLabelValues(result).Inc()
	logger.With(logger.Fields{logger.FieldFailures: failures}).
		WithDuration(time.Since(start).Milliseconds()).
		Info(ctx, "Monitoring cycle %s", result)
	return nil
}

// runUnit evaluates and, if due, dispatches one (source, stage) unit.
// It reports false when the unit failed.
func (o *Orchestrator) runUnit(ctx context.Context, stage domain.JobType, source string, cycleStart time.Time) bool {
	ctx = logger.SetUnit(ctx, source, string(stage))
	label := stage.QueueName()

	decision, err := o.triggers.Evaluate(ctx, stage, source)
	if err != nil {
		o.metrics.TriggerErrors.WithLabelValues(label).Inc()
		logger.FromContext(ctx).WithError(err).Error("Trigger evaluation failed")
		return false
	}
	logger.CtxDebug(ctx, "Trigger %s: %s", triggerWord(decision.Trigger), decision.Reason)
	if !decision.Trigger {
		return true
	}

	logger.CtxInfo(ctx, "Triggering %s: %s", stage, decision.Reason)
	if _, err := o.dispatcher.Dispatch(ctx, stage, source, cycleStart); err != nil {
		o.metrics.TriggerErrors.WithLabelValues(label).Inc()
		logger.FromContext(ctx).WithError(err).Error("Dispatch failed")
		return false
	}
	return true
}

func (o *Orchestrator) refreshQueueGauges(ctx context.Context) {
	for _, stage := range domain.AllJobTypes {
		name := stage.QueueName()
		qctx, cancel := withRequestTimeout(ctx, o.requestTimeout)
		n, err := o.queue.Len(qctx, name)
		cancel()
		if err != nil {
			logger.With(logger.Fields{logger.FieldQueue: name}).Warn(ctx, "Failed to read queue depth: %v", err)
			continue
		}
		o.metrics.ActiveJobs.WithLabelValues(name).Set(float64(n))
	}
}

func (o *Orchestrator) setSnapshot(s *domain.SystemStats) {
	o.mu.Lock()
	o.snapshot = s
	o.mu.Unlock()
}

func (o *Orchestrator) logStats(ctx context.Context, s *domain.SystemStats) {
	for _, source := range o.sources {
		ss := s.Sources[source]
		if ss.Error != "" {
			continue
		}
		logger.With(logger.Fields{
			logger.FieldSource: source,
			"scraped_total":    ss.Scraped.Total,
			"scraped_recent":   ss.Scraped.RecentCount,
			"processed_total":  ss.Processed.Total,
			"training_ready":   ss.TrainingReady,
			"avg_quality":      ss.AvgQuality,
		}).Info(ctx, "Source stats")
	}
	logger.With(logger.Fields{"ready_count": s.Readiness.ReadyCount}).
		Info(ctx, "Training readiness")
}

func triggerWord(b bool) string {
	if b {
		return "due"
	}
	return "not due"
}
