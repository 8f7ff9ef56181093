package service

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/metrics"
	"github.com/timmy/conveyor/internal/repository"
)

// StatsAggregator builds the SystemStats snapshot logged at the start of
// every monitoring cycle and mirrored into the pipeline gauges.
type StatsAggregator struct {
	repo           repository.StateRepository
	triggers       *TriggerEngine
	metrics        *metrics.Metrics
	window         time.Duration
	requestTimeout time.Duration
	now            func() time.Time
}

// StatsAggregatorConfig holds the aggregator settings.
type StatsAggregatorConfig struct {
	Window         time.Duration // trailing window for recent counts
	RequestTimeout time.Duration
	Now            func() time.Time
}

// NewStatsAggregator creates a stats aggregator. Readiness is read through
// the trigger engine so stats and the train decision agree.
func NewStatsAggregator(repo repository.StateRepository, triggers *TriggerEngine, m *metrics.Metrics, cfg *StatsAggregatorConfig) *StatsAggregator {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &StatsAggregator{
		repo:           repo,
		triggers:       triggers,
		metrics:        m,
		window:         cfg.Window,
		requestTimeout: cfg.RequestTimeout,
		now:            now,
	}
}

// Collect reads per-source counters and the global readiness.
// A failed source is recorded on its SourceStats.Error and does not fail
// the snapshot; a failed readiness read does.
func (a *StatsAggregator) Collect(ctx context.Context, sources []string) (*domain.SystemStats, error) {
	now := a.now().UTC()
	stats := &domain.SystemStats{
		Sources:   make(map[string]domain.SourceStats, len(sources)),
		Window:    a.window,
		Timestamp: now,
	}

	readiness, err := a.triggers.ReadTrainingReadiness(ctx)
	if err != nil {
		return nil, err
	}
	stats.Readiness = readiness
	a.metrics.TrainingReady.Set(float64(readiness.ReadyCount))

	cutoff := now.Add(-a.window)
	for _, source := range sources {
		ss, err := a.collectSource(ctx, source, cutoff)
		if err != nil {
			ss.Error = err.Error()
			logger.FromContext(ctx).WithField(logger.FieldSource, source).WithError(err).Warn("Failed to collect source stats")
		} else {
			a.metrics.PipelineItems.WithLabelValues(source, "scraped").Set(float64(ss.Scraped.Total))
			a.metrics.PipelineItems.WithLabelValues(source, "processed").Set(float64(ss.Processed.Total))
			a.metrics.PipelineItems.WithLabelValues(source, "training_ready").Set(float64(ss.TrainingReady))
		}
		stats.Sources[source] = ss
	}

	return stats, nil
}

func (a *StatsAggregator) collectSource(ctx context.Context, source string, cutoff time.Time) (domain.SourceStats, error) {
	var ss domain.SourceStats

	ctx, cancel := withRequestTimeout(ctx, a.requestTimeout)
	defer cancel()

	bySource := repository.Eq(repository.ColumnSource, source)
	counts := []struct {
		dst     *int64
		table   string
		filters []repository.Filter
	}{
		{&ss.Scraped.Total, repository.TableScrapedContent, []repository.Filter{bySource}},
		{&ss.Scraped.RecentCount, repository.TableScrapedContent, []repository.Filter{bySource, repository.Since(cutoff)}},
		{&ss.Processed.Total, repository.TableProcessedContent, []repository.Filter{bySource}},
		{&ss.Processed.RecentCount, repository.TableProcessedContent, []repository.Filter{bySource, repository.Since(cutoff)}},
		{&ss.TrainingReady, repository.TableProcessedContent, []repository.Filter{bySource, repository.Eq(repository.ColumnIsTrainingReady, true)}},
	}
	for _, c := range counts {
		n, err := a.repo.CountWhere(ctx, c.table, c.filters...)
		if err != nil {
			return ss, fmt.Errorf("count %s for %s: %w", c.table, source, err)
		}
		*c.dst = n
	}

	avg, err := a.repo.Average(ctx, repository.TableProcessedContent, repository.ColumnQualityScore, bySource)
	if err != nil {
		return ss, fmt.Errorf("average quality for %s: %w", source, err)
	}
	ss.AvgQuality = avg
	return ss, nil
}
