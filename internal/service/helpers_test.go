package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/timmy/conveyor/internal/config"
	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/metrics"
	"github.com/timmy/conveyor/internal/queue"
	"github.com/timmy/conveyor/internal/repository"
)

var testNow = time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func newTestRepo(t *testing.T) *repository.GormStateRepository {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:       "sqlite",
		Path:         ":memory:",
		MaxOpenConns: 1,
		AutoMigrate:  true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return repository.NewGormStateRepository(db)
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func seedScraped(t *testing.T, repo repository.StateRepository, source string, n int, createdAt time.Time) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-%d-%d", source, createdAt.Unix(), i)
		require.NoError(t, repo.Insert(context.Background(), repository.TableScrapedContent, &domain.ScrapedContent{
			ID:        id,
			Source:    source,
			URL:       "https://example.com/" + id,
			CreatedAt: createdAt,
		}))
		ids = append(ids, id)
	}
	return ids
}

func seedProcessed(t *testing.T, repo repository.StateRepository, source string, originalIDs []string, ready bool) {
	t.Helper()
	for _, orig := range originalIDs {
		require.NoError(t, repo.Insert(context.Background(), repository.TableProcessedContent, &domain.ProcessedContent{
			ID:              "p-" + orig,
			Source:          source,
			OriginalID:      orig,
			IsTrainingReady: ready,
			CreatedAt:       testNow.Add(-time.Hour),
		}))
	}
}

func seedReady(t *testing.T, repo repository.StateRepository, n int) {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("ready-%d", i)
	}
	seedProcessed(t, repo, "tech_news", ids, true)
}

func seedJob(t *testing.T, repo repository.StateRepository, id string, stage domain.JobType, source string, status domain.JobStatus, createdAt time.Time) {
	t.Helper()
	rec := &domain.JobRecord{
		ID:        id,
		JobType:   stage,
		Status:    status,
		QueueName: stage.QueueName(),
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	if source != "" {
		rec.TargetSource = &source
	}
	require.NoError(t, repo.Insert(context.Background(), repository.TableJobs, rec))
}

func loadJobs(t *testing.T, repo repository.StateRepository, filters ...repository.Filter) []domain.JobRecord {
	t.Helper()
	var jobs []domain.JobRecord
	require.NoError(t, repo.FindRecent(context.Background(), repository.TableJobs, &jobs, 0, filters...))
	return jobs
}

// fakeQueue records submissions in memory.
type fakeQueue struct {
	mu      sync.Mutex
	jobs    []queue.Job
	err     error
	lenErr  error
	lengths map[string]int64
}

func (q *fakeQueue) Enqueue(_ context.Context, job queue.Job) (*queue.JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	q.jobs = append(q.jobs, job)
	return &queue.JobHandle{ID: job.ID, Queue: job.Queue, EnqueuedAt: testNow}, nil
}

func (q *fakeQueue) Len(_ context.Context, name string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lenErr != nil {
		return 0, q.lenErr
	}
	return q.lengths[name], nil
}

func (q *fakeQueue) Ping(context.Context) error { return nil }

func (q *fakeQueue) submitted() []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.Job, len(q.jobs))
	copy(out, q.jobs)
	return out
}

var errStateUnavailable = errors.New("state unavailable")

// failingRepo fails every read whose filters select one source.
type failingRepo struct {
	repository.StateRepository
	source string
}

func (r *failingRepo) hit(filters []repository.Filter) bool {
	for _, f := range filters {
		if f.Column == repository.ColumnSource && f.Op == repository.OpEq && f.Value == r.source {
			return true
		}
	}
	return false
}

func (r *failingRepo) CountWhere(ctx context.Context, table string, filters ...repository.Filter) (int64, error) {
	if r.hit(filters) {
		return 0, errStateUnavailable
	}
	return r.StateRepository.CountWhere(ctx, table, filters...)
}

func (r *failingRepo) SelectIDs(ctx context.Context, table, column string, filters ...repository.Filter) (repository.IDSet, error) {
	if r.hit(filters) {
		return nil, errStateUnavailable
	}
	return r.StateRepository.SelectIDs(ctx, table, column, filters...)
}

// downRepo fails every call.
type downRepo struct {
	repository.StateRepository
}

func (downRepo) CountWhere(context.Context, string, ...repository.Filter) (int64, error) {
	return 0, errStateUnavailable
}

func (downRepo) SelectIDs(context.Context, string, string, ...repository.Filter) (repository.IDSet, error) {
	return nil, errStateUnavailable
}

func (downRepo) Latest(context.Context, string, string, ...repository.Filter) (time.Time, bool, error) {
	return time.Time{}, false, errStateUnavailable
}

func (downRepo) DeleteWhere(context.Context, string, ...repository.Filter) (int64, error) {
	return 0, errStateUnavailable
}

func testTimeouts() map[domain.JobType]time.Duration {
	return map[domain.JobType]time.Duration{
		domain.JobTypeScrape:  time.Hour,
		domain.JobTypeProcess: 2 * time.Hour,
		domain.JobTypeTrain:   6 * time.Hour,
	}
}

type testHarness struct {
	repo       repository.StateRepository
	queue      *fakeQueue
	metrics    *metrics.Metrics
	triggers   *TriggerEngine
	dispatcher *Dispatcher
	stats      *StatsAggregator
	orch       *Orchestrator
}

func newHarness(t *testing.T, repo repository.StateRepository, sources ...string) *testHarness {
	t.Helper()
	if len(sources) == 0 {
		sources = []string{"tech_news", "ai_research", "programming_blogs"}
	}
	h := &testHarness{repo: repo, queue: &fakeQueue{}, metrics: newTestMetrics()}
	h.triggers = NewTriggerEngine(repo, &TriggerEngineConfig{
		Policy:         DefaultTriggerPolicy(),
		RequestTimeout: 5 * time.Second,
		Now:            fixedClock,
	})
	h.dispatcher = NewDispatcher(repo, h.queue, h.metrics, &DispatcherConfig{
		JobTimeouts:    testTimeouts(),
		SlotInterval:   30 * time.Minute,
		RequestTimeout: 5 * time.Second,
		Now:            fixedClock,
	})
	h.stats = NewStatsAggregator(repo, h.triggers, h.metrics, &StatsAggregatorConfig{
		Window:         24 * time.Hour,
		RequestTimeout: 5 * time.Second,
		Now:            fixedClock,
	})
	h.orch = NewOrchestrator(h.triggers, h.dispatcher, h.stats, h.queue, h.metrics, &OrchestratorConfig{
		Sources:        sources,
		RequestTimeout: 5 * time.Second,
	})
	return h
}
