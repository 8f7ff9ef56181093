// Package app wires configuration into the scheduler's services.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/timmy/conveyor/internal/config"
	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/metrics"
	"github.com/timmy/conveyor/internal/queue"
	"github.com/timmy/conveyor/internal/repository"
	"github.com/timmy/conveyor/internal/service"
	"github.com/timmy/conveyor/internal/storage"
)

// App holds the shared clients and services of one process.
type App struct {
	Config   *config.Config
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Repo  repository.StateRepository
	Queue *queue.RedisQueue

	Triggers     *service.TriggerEngine
	Dispatcher   *service.Dispatcher
	Stats        *service.StatsAggregator
	Orchestrator *service.Orchestrator
	Sweeper      *service.Sweeper

	closers []func() error
}

// New connects the repository and the queue, pings both and builds the
// services. Any failure here is a startup failure.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.Metrics = metrics.New(a.Registry)

	timeout := cfg.Schedule.RequestTimeout

	repo, err := a.openRepository(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Repo = repo
	if err := ping(ctx, timeout, repo.Ping); err != nil {
		a.Close()
		return nil, fmt.Errorf("state repository unreachable: %w", err)
	}

	q, err := queue.NewRedisQueue(&queue.RedisConfig{
		URL:       cfg.Redis.URL,
		Password:  cfg.Redis.Password,
		KeyPrefix: cfg.Redis.KeyPrefix,
		Timeout:   timeout,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Queue = q
	a.closers = append(a.closers, q.Close)
	if err := ping(ctx, timeout, q.Ping); err != nil {
		a.Close()
		return nil, fmt.Errorf("job queue unreachable: %w", err)
	}

	var archive *storage.Archive
	if cfg.Retention.Archive {
		store, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize archive storage: %w", err)
		}
		if err := ping(ctx, timeout, store.EnsureBucket); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to ensure archive bucket: %w", err)
		}
		archive = storage.NewArchive(store, cfg.Storage.Prefix)
	}

	a.Triggers = service.NewTriggerEngine(repo, &service.TriggerEngineConfig{
		Policy:         service.NewTriggerPolicy(&cfg.Triggers),
		RequestTimeout: timeout,
	})
	jobTimeouts := make(map[domain.JobType]time.Duration, len(domain.AllJobTypes))
	for _, stage := range domain.AllJobTypes {
		jobTimeouts[stage] = cfg.Timeouts.JobTimeout(string(stage))
	}
	a.Dispatcher = service.NewDispatcher(repo, q, a.Metrics, &service.DispatcherConfig{
		JobTimeouts:    jobTimeouts,
		SlotInterval:   cfg.Schedule.MonitorInterval,
		RequestTimeout: timeout,
	})
	a.Stats = service.NewStatsAggregator(repo, a.Triggers, a.Metrics, &service.StatsAggregatorConfig{
		Window:         cfg.Schedule.StatsWindow,
		RequestTimeout: timeout,
	})
	a.Orchestrator = service.NewOrchestrator(a.Triggers, a.Dispatcher, a.Stats, q, a.Metrics, &service.OrchestratorConfig{
		Sources:        cfg.Sources,
		RequestTimeout: timeout,
	})
	a.Sweeper = service.NewSweeper(repo, archive, a.Metrics, &service.SweeperConfig{
		JobRetention:   cfg.Retention.Jobs,
		UsageRetention: cfg.Retention.UsageLogs,
		RequestTimeout: timeout,
	})

	logger.CtxInfo(ctx, "Services initialized: backend=%s, sources=%v, archive=%v",
		cfg.State.Backend, cfg.Sources, archive != nil)
	return a, nil
}

func (a *App) openRepository(cfg *config.Config) (repository.StateRepository, error) {
	switch cfg.State.Backend {
	case config.BackendPostgREST:
		return repository.NewPostgRESTStateRepository(&repository.PostgRESTConfig{
			URL:            cfg.Supabase.URL,
			ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
			Timeout:        cfg.Schedule.RequestTimeout,
		}), nil
	default:
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		sqlDB, err := db.DB()
		if err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
		return repository.NewGormStateRepository(db), nil
	}
}

// Close releases the clients in reverse order of creation.
func (a *App) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func ping(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
