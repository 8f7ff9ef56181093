package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/conveyor/internal/api/handler"
	"github.com/timmy/conveyor/internal/api/middleware"
	"github.com/timmy/conveyor/internal/config"
	"github.com/timmy/conveyor/internal/domain"
	"github.com/timmy/conveyor/internal/logger"
	"github.com/timmy/conveyor/internal/repository"
	"github.com/timmy/conveyor/internal/service"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeStats struct{ snapshot *domain.SystemStats }

func (f *fakeStats) Snapshot() *domain.SystemStats { return f.snapshot }

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeDispatcher) DispatchManual(_ context.Context, stage domain.JobType, source string) (*service.DispatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(stage)+"|"+source)
	res := &service.DispatchResult{JobID: "job-1", Stage: stage, Source: source}
	if errors.Is(f.err, service.ErrInFlight) {
		res.Skipped = true
		res.SkipReason = service.SkipInFlight
	}
	return res, f.err
}

type fakeSweeper struct {
	release chan struct{}
	err     error
}

func (f *fakeSweeper) Sweep(context.Context) (*service.SweepReport, error) {
	if f.release != nil {
		<-f.release
	}
	return &service.SweepReport{Deleted: map[string]int64{repository.TableJobs: 3}}, f.err
}

type routerFixture struct {
	router     http.Handler
	repo       *repository.GormStateRepository
	stats      *fakeStats
	dispatcher *fakeDispatcher
	sweeper    *fakeSweeper
	queueErr   error
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	db, err := repository.InitDB(&config.DatabaseConfig{Driver: "sqlite", Path: ":memory:", MaxOpenConns: 1, AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	f := &routerFixture{
		repo:       repository.NewGormStateRepository(db),
		stats:      &fakeStats{},
		dispatcher: &fakeDispatcher{},
		sweeper:    &fakeSweeper{},
	}
	log := logger.New(&logger.Config{Level: "error", Format: "json", Output: io.Discard, ServiceName: "test"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_scheduled_jobs_total", Help: "test"}))

	f.router = SetupRouter(&RouterDeps{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"repository": f.repo,
			"queue":      pingerFunc(func(context.Context) error { return f.queueErr }),
		}, time.Second),
		Pipeline: handler.NewPipelineHandler(f.stats, f.dispatcher, f.repo, []string{"tech_news", "ai_research"}),
		Admin:    handler.NewAdminHandler(f.sweeper, log),
		Gatherer: reg,
		Logger:   log,
	}, "test")
	return f
}

func (f *routerFixture) do(t *testing.T, method, target string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	var body map[string]interface{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func (f *routerFixture) seedJob(t *testing.T, id string, stage domain.JobType, source string, status domain.JobStatus, createdAt time.Time) {
	t.Helper()
	rec := &domain.JobRecord{ID: id, JobType: stage, Status: status, QueueName: stage.QueueName(), CreatedAt: createdAt, UpdatedAt: createdAt}
	if source != "" {
		rec.TargetSource = &source
	}
	require.NoError(t, f.repo.Insert(context.Background(), repository.TableJobs, rec))
}

func TestHealth(t *testing.T) {
	f := newRouterFixture(t)

	w, body := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get(middleware.RequestIDHeader))

	f.queueErr = errors.New("dial tcp: connection refused")
	w, body = f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["repository"])
	assert.Contains(t, checks["queue"], "connection refused")
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := newRouterFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(middleware.RequestIDHeader, "req-123")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get(middleware.RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	w, _ := f.do(t, http.MethodGet, "/metrics")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pipeline_scheduled_jobs_total 0")
}

func TestGetStats(t *testing.T) {
	f := newRouterFixture(t)

	w, _ := f.do(t, http.MethodGet, "/api/v1/stats")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	f.stats.snapshot = &domain.SystemStats{
		Sources: map[string]domain.SourceStats{
			"tech_news": {Scraped: domain.StageCounters{Total: 40, RecentCount: 3}},
		},
		Readiness: domain.TrainingReadiness{ReadyCount: 1200},
		Timestamp: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
	w, body := f.do(t, http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1200.0, body["readiness"].(map[string]interface{})["ready_count"])
	tech := body["sources"].(map[string]interface{})["tech_news"].(map[string]interface{})
	assert.Equal(t, 3.0, tech["scraped"].(map[string]interface{})["recent_count"])
}

func TestListJobs(t *testing.T) {
	f := newRouterFixture(t)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	f.seedJob(t, "a", domain.JobTypeScrape, "tech_news", domain.JobStatusCompleted, now.Add(-3*time.Hour))
	f.seedJob(t, "b", domain.JobTypeScrape, "ai_research", domain.JobStatusStarted, now.Add(-2*time.Hour))
	f.seedJob(t, "c", domain.JobTypeTrain, "", domain.JobStatusFailed, now.Add(-time.Hour))

	w, body := f.do(t, http.MethodGet, "/api/v1/jobs")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 3.0, body["total"])
	jobs := body["jobs"].([]interface{})
	assert.Equal(t, "c", jobs[0].(map[string]interface{})["id"])

	_, body = f.do(t, http.MethodGet, "/api/v1/jobs?job_type=scraping&source=ai_research")
	assert.Equal(t, 1.0, body["total"])

	_, body = f.do(t, http.MethodGet, "/api/v1/jobs?status=failed")
	assert.Equal(t, 1.0, body["total"])

	_, body = f.do(t, http.MethodGet, "/api/v1/jobs?limit=2")
	assert.Equal(t, 2.0, body["total"])

	w, _ = f.do(t, http.MethodGet, "/api/v1/jobs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodGet, "/api/v1/jobs?job_type=deploy")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTriggerJob(t *testing.T) {
	f := newRouterFixture(t)

	w, body := f.do(t, http.MethodPost, "/api/v1/trigger/scrape?source=tech_news")
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "job-1", body["job_id"])
	assert.Equal(t, "scraping", body["queue"])

	// Training is global; any source is dropped by the dispatcher.
	w, _ = f.do(t, http.MethodPost, "/api/v1/trigger/training")
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, []string{"scrape|tech_news", "train|"}, f.dispatcher.calls)
}

func TestTriggerJob_Rejections(t *testing.T) {
	f := newRouterFixture(t)

	w, _ := f.do(t, http.MethodPost, "/api/v1/trigger/deploy?source=tech_news")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/trigger/process?source=unknown")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/trigger/process")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.dispatcher.calls)

	f.dispatcher.err = service.ErrInFlight
	w, _ = f.do(t, http.MethodPost, "/api/v1/trigger/process?source=tech_news")
	assert.Equal(t, http.StatusConflict, w.Code)

	f.dispatcher.err = errors.New("redis: connection refused")
	w, _ = f.do(t, http.MethodPost, "/api/v1/trigger/process?source=tech_news")
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestAdminSweep(t *testing.T) {
	f := newRouterFixture(t)
	f.sweeper.release = make(chan struct{})

	w, _ := f.do(t, http.MethodPost, "/api/v1/admin/sweep")
	require.Equal(t, http.StatusAccepted, w.Code)

	w, _ = f.do(t, http.MethodPost, "/api/v1/admin/sweep")
	assert.Equal(t, http.StatusConflict, w.Code)

	_, body := f.do(t, http.MethodGet, "/api/v1/admin/sweep")
	assert.Equal(t, true, body["is_running"])

	close(f.sweeper.release)
	assert.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/api/v1/admin/sweep")
		return body["is_running"] == false && body["last_run_status"] == "completed"
	}, 2*time.Second, 10*time.Millisecond)

	_, body = f.do(t, http.MethodGet, "/api/v1/admin/sweep")
	report := body["last_report"].(map[string]interface{})
	assert.Equal(t, 3.0, report["deleted"].(map[string]interface{})[repository.TableJobs])
}

func TestNoRoute(t *testing.T) {
	f := newRouterFixture(t)
	w, body := f.do(t, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Not found", body["error"])
}
