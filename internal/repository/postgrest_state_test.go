package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/conveyor/internal/domain"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type postgrestStub struct {
	mu       sync.Mutex
	requests []recordedRequest
	handle   func(w http.ResponseWriter, r *http.Request)
}

func (s *postgrestStub) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newPostgRESTStub(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) (*PostgRESTStateRepository, *postgrestStub) {
	t.Helper()
	stub := &postgrestStub{handle: handle}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		stub.mu.Lock()
		stub.requests = append(stub.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   body,
		})
		stub.mu.Unlock()
		stub.handle(w, r)
	}))
	t.Cleanup(srv.Close)

	repo := NewPostgRESTStateRepository(&PostgRESTConfig{
		URL:            srv.URL + "/",
		ServiceRoleKey: "service-key",
		Timeout:        5 * time.Second,
	})
	return repo, stub
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestPostgREST_PingSendsKeys(t *testing.T) {
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, repo.Ping(context.Background()))

	req := stub.last()
	assert.Equal(t, http.MethodHead, req.Method)
	assert.Equal(t, "/rest/v1/", req.Path)
	assert.Equal(t, "service-key", req.Header.Get("apikey"))
	assert.Equal(t, "Bearer service-key", req.Header.Get("Authorization"))
}

func TestPostgREST_PingUnauthorized(t *testing.T) {
	repo, _ := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	assert.Error(t, repo.Ping(context.Background()))
}

func TestPostgREST_CountWhere(t *testing.T) {
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "*/42")
		w.WriteHeader(http.StatusOK)
	})
	since := time.Date(2026, 10, 19, 6, 0, 0, 0, time.UTC)

	n, err := repo.CountWhere(context.Background(), TableScrapedContent, Eq(ColumnSource, "tech_news"), Since(since))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	req := stub.last()
	assert.Equal(t, http.MethodHead, req.Method)
	assert.Equal(t, "/rest/v1/scraped_content", req.Path)
	assert.Equal(t, "count=exact", req.Header.Get("Prefer"))
	assert.Equal(t, []string{"eq.tech_news"}, req.Query["source"])
	assert.Equal(t, []string{"gte.2026-10-19T06:00:00Z"}, req.Query["created_at"])
	assert.Equal(t, []string{"id"}, req.Query["select"])
}

func TestPostgREST_CountWhereFilterRendering(t *testing.T) {
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-0/1")
		w.WriteHeader(http.StatusOK)
	})

	_, err := repo.CountWhere(context.Background(), TableJobs,
		In(ColumnStatus, "started", "training"),
		IsNull(ColumnTargetSource),
		Eq(ColumnIsTrainingReady, true),
	)
	require.NoError(t, err)

	req := stub.last()
	assert.Equal(t, []string{"in.(started,training)"}, req.Query["status"])
	assert.Equal(t, []string{"is.null"}, req.Query["target_source"])
	assert.Equal(t, []string{"eq.true"}, req.Query["is_training_ready"])
}

func TestPostgREST_CountWhereMissingCount(t *testing.T) {
	repo, _ := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "0-9/*")
		w.WriteHeader(http.StatusOK)
	})
	_, err := repo.CountWhere(context.Background(), TableJobs)
	assert.Error(t, err)
}

func TestPostgREST_SelectIDsPages(t *testing.T) {
	total := postgrestPageSize + 5
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows := []map[string]interface{}{}
		for i := offset; i < total && i < offset+limit; i++ {
			rows = append(rows, map[string]interface{}{"original_id": fmt.Sprintf("id-%d", i)})
		}
		writeJSON(w, http.StatusOK, rows)
	})

	ids, err := repo.SelectIDs(context.Background(), TableProcessedContent, ColumnOriginalID, Eq(ColumnSource, "s"))
	require.NoError(t, err)
	assert.Equal(t, total, len(ids))
	assert.Contains(t, ids, "id-0")
	assert.Contains(t, ids, fmt.Sprintf("id-%d", total-1))

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.requests, 2)
	assert.Equal(t, "0", stub.requests[0].Query.Get("offset"))
	assert.Equal(t, strconv.Itoa(postgrestPageSize), stub.requests[1].Query.Get("offset"))
	assert.Equal(t, "original_id.asc", stub.requests[1].Query.Get("order"))
}

func TestPostgREST_Average(t *testing.T) {
	total := postgrestPageSize + 2
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows := []map[string]interface{}{}
		for i := offset; i < total && i < offset+limit; i++ {
			score := 0.5
			if i%2 == 1 {
				score = 1.0
			}
			rows = append(rows, map[string]interface{}{"quality_score": score})
		}
		// A row without a score does not count
		if offset > 0 {
			rows = append(rows, map[string]interface{}{"quality_score": nil})
		}
		writeJSON(w, http.StatusOK, rows)
	})

	avg, err := repo.Average(context.Background(), TableProcessedContent, ColumnQualityScore, Eq(ColumnSource, "tech_news"))
	require.NoError(t, err)
	assert.InDelta(t, 0.75, avg, 1e-9)

	req := stub.last()
	assert.Equal(t, "quality_score", req.Query.Get("select"))
	assert.Equal(t, "eq.tech_news", req.Query.Get("source"))
	assert.Equal(t, strconv.Itoa(postgrestPageSize), req.Query.Get("offset"))
}

func TestPostgREST_AverageEmptyAndMalformed(t *testing.T) {
	repo, _ := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]interface{}{})
	})
	avg, err := repo.Average(context.Background(), TableProcessedContent, ColumnQualityScore)
	require.NoError(t, err)
	assert.Zero(t, avg)

	repo, _ = newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]interface{}{{"quality_score": "high"}})
	})
	_, err = repo.Average(context.Background(), TableProcessedContent, ColumnQualityScore)
	assert.Error(t, err)
}

func TestPostgREST_Latest(t *testing.T) {
	t.Run("row", func(t *testing.T) {
		repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]interface{}{{"created_at": "2026-10-18T16:00:00+00:00"}})
		})
		got, ok, err := repo.Latest(context.Background(), TableJobs, ColumnCreatedAt, Eq(ColumnJobType, "train"))
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, got.Equal(time.Date(2026, 10, 18, 16, 0, 0, 0, time.UTC)))

		req := stub.last()
		assert.Equal(t, "created_at.desc.nullslast", req.Query.Get("order"))
		assert.Equal(t, "1", req.Query.Get("limit"))
	})

	t.Run("empty", func(t *testing.T) {
		repo, _ := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]interface{}{})
		})
		_, ok, err := repo.Latest(context.Background(), TableJobs, ColumnCreatedAt)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("malformed", func(t *testing.T) {
		repo, _ := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, []map[string]interface{}{{"created_at": "last tuesday"}})
		})
		_, _, err := repo.Latest(context.Background(), TableJobs, ColumnCreatedAt)
		assert.ErrorIs(t, err, ErrMalformedTimestamp)
	})
}

func TestPostgREST_FindRecent(t *testing.T) {
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]interface{}{
			{"id": "j1", "job_type": "scrape", "status": "started", "target_source": "tech_news", "created_at": "2026-10-19T11:00:00Z"},
		})
	})

	var jobs []domain.JobRecord
	require.NoError(t, repo.FindRecent(context.Background(), TableJobs, &jobs, 20, Eq(ColumnStatus, "started")))
	require.Len(t, jobs, 1)
	assert.Equal(t, "j1", jobs[0].ID)
	assert.Equal(t, "tech_news", jobs[0].Source())

	req := stub.last()
	assert.Equal(t, "created_at.desc,id.asc", req.Query.Get("order"))
	assert.Equal(t, "20", req.Query.Get("limit"))
	assert.Equal(t, "*", req.Query.Get("select"))
	assert.Len(t, stub.requests, 1)
}

func TestPostgREST_FindRecentUnlimitedPages(t *testing.T) {
	total := 2*postgrestPageSize + 10
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows := []map[string]interface{}{}
		for i := offset; i < total && i < offset+limit; i++ {
			rows = append(rows, map[string]interface{}{
				"id":         fmt.Sprintf("job-%d", i),
				"job_type":   "scrape",
				"status":     "completed",
				"created_at": "2026-10-10T00:00:00Z",
			})
		}
		writeJSON(w, http.StatusOK, rows)
	})

	var jobs []domain.JobRecord
	require.NoError(t, repo.FindRecent(context.Background(), TableJobs, &jobs, 0, OlderThan(time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC))))
	require.Len(t, jobs, total)
	assert.Equal(t, "job-0", jobs[0].ID)
	assert.Equal(t, fmt.Sprintf("job-%d", total-1), jobs[total-1].ID)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.requests, 3)
	assert.Equal(t, strconv.Itoa(postgrestPageSize), stub.requests[0].Query.Get("limit"))
	assert.Equal(t, strconv.Itoa(postgrestPageSize), stub.requests[1].Query.Get("offset"))
	assert.Equal(t, strconv.Itoa(2*postgrestPageSize), stub.requests[2].Query.Get("offset"))
}

func TestPostgREST_FindRecentLimitAcrossPages(t *testing.T) {
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		rows := []map[string]interface{}{}
		for i := offset; i < offset+limit; i++ {
			rows = append(rows, map[string]interface{}{"id": fmt.Sprintf("job-%d", i), "created_at": "2026-10-10T00:00:00Z"})
		}
		writeJSON(w, http.StatusOK, rows)
	})

	var jobs []domain.JobRecord
	require.NoError(t, repo.FindRecent(context.Background(), TableJobs, &jobs, postgrestPageSize+3))
	assert.Len(t, jobs, postgrestPageSize+3)

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.requests, 2)
	assert.Equal(t, "3", stub.requests[1].Query.Get("limit"))
}

func TestPostgREST_InsertDuplicate(t *testing.T) {
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]string{"code": "23505", "message": "duplicate key value"})
	})

	err := repo.Insert(context.Background(), TableJobs, &domain.JobRecord{ID: "x", JobType: domain.JobTypeScrape})
	assert.ErrorIs(t, err, ErrDuplicate)

	req := stub.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "return=minimal", req.Header.Get("Prefer"))
	assert.Contains(t, string(req.Body), `"id":"x"`)
}

func TestPostgREST_InsertErrorBody(t *testing.T) {
	repo, _ := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "PGRST204", "message": "column not found"})
	})

	err := repo.Insert(context.Background(), TableJobs, map[string]string{"id": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column not found")
	assert.NotErrorIs(t, err, ErrDuplicate)
}

func TestPostgREST_UpdateFormatsTimes(t *testing.T) {
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]interface{}{{"id": "j1"}})
	})
	failedAt := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	n, err := repo.Update(context.Background(), TableJobs, map[string]interface{}{
		"status":    "failed",
		"failed_at": failedAt,
	}, Eq(ColumnID, "j1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	req := stub.last()
	assert.Equal(t, http.MethodPatch, req.Method)
	assert.Equal(t, []string{"eq.j1"}, req.Query["id"])
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(req.Body, &body))
	assert.Equal(t, "2026-10-19T12:00:00Z", body["failed_at"])
}

func TestPostgREST_DeleteWhere(t *testing.T) {
	repo, stub := newPostgRESTStub(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []map[string]interface{}{{"id": "a"}, {"id": "b"}, {"id": "c"}})
	})
	cutoff := time.Date(2026, 10, 12, 2, 0, 0, 0, time.UTC)

	n, err := repo.DeleteWhere(context.Background(), TableJobs, OlderThan(cutoff))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	req := stub.last()
	assert.Equal(t, http.MethodDelete, req.Method)
	assert.Equal(t, []string{"lt.2026-10-12T02:00:00Z"}, req.Query["created_at"])
	assert.Equal(t, "return=representation", req.Header.Get("Prefer"))

	_, err = repo.DeleteWhere(context.Background(), TableJobs)
	assert.Error(t, err)
}

func TestParseContentRangeTotal(t *testing.T) {
	for header, want := range map[string]int64{"0-24/3573": 3573, "*/0": 0, "0-0/1": 1} {
		got, err := parseContentRangeTotal(header)
		require.NoError(t, err, header)
		assert.Equal(t, want, got, header)
	}
	for _, header := range []string{"", "0-24", "0-24/", "0-24/*", "0-24/abc"} {
		_, err := parseContentRangeTotal(header)
		assert.Error(t, err, header)
	}
}
