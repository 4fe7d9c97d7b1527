package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdholdren/lotwatch/internal/cache"
	lwerrs "github.com/jdholdren/lotwatch/internal/errors"
	"github.com/jdholdren/lotwatch/internal/health"
	"github.com/jdholdren/lotwatch/internal/lotwatch"
	"github.com/jdholdren/lotwatch/internal/refresh"
)

type fakeRepo struct {
	lotwatch.Repository

	history map[string]lotwatch.Listing
	lookups atomic.Int32
	entries []lotwatch.IngestionLogEntry
}

func (f *fakeRepo) Listing(_ context.Context, id string) (lotwatch.Listing, error) {
	f.lookups.Add(1)
	l, ok := f.history[id]
	if !ok {
		return lotwatch.Listing{}, lotwatch.ErrNotFound
	}
	return l, nil
}

func (f *fakeRepo) IngestionLogs(_ context.Context, limit int) ([]lotwatch.IngestionLogEntry, error) {
	return f.entries[:min(limit, len(f.entries))], nil
}

func (f *fakeRepo) LastIngestion(context.Context) (*lotwatch.IngestionLogEntry, error) {
	if len(f.entries) == 0 {
		return nil, nil
	}
	return &f.entries[0], nil
}

type fakeRefresher struct {
	running   bool
	triggered []refresh.Trigger
	result    refresh.Result
	err       error
}

func (f *fakeRefresher) RunCycle(_ context.Context, t refresh.Trigger) (refresh.Result, error) {
	if f.err != nil {
		return refresh.Result{}, f.err
	}
	res := f.result
	res.Trigger = t
	return res, nil
}

func (f *fakeRefresher) Trigger(t refresh.Trigger) { f.triggered = append(f.triggered, t) }
func (f *fakeRefresher) Running() bool             { return f.running }
func (f *fakeRefresher) Status() refresh.Status {
	if f.running {
		return refresh.Status{State: refresh.StateRunning}
	}
	return refresh.Status{State: refresh.StateIdle}
}

type testServer struct {
	*Server
	clk   *clock.Mock
	cache *cache.Cache
	repo  *fakeRepo
	sched *fakeRefresher
}

func newTestServer(t *testing.T) testServer {
	t.Helper()

	clk := clock.NewMock()
	clk.Add(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).Sub(clk.Now()))

	var (
		c     = cache.New(clk, 24*time.Hour)
		repo  = &fakeRepo{history: map[string]lotwatch.Listing{}}
		sched = &fakeRefresher{}
	)
	srv := NewServer(ServerConfig{Port: 0}, repo, c, sched, health.NewReporter(c, repo, sched))

	return testServer{Server: srv, clk: clk, cache: c, repo: repo, sched: sched}
}

func ptr[T any](v T) *T { return &v }

func listing(id, source, make string, year int, updated time.Time) lotwatch.Listing {
	return lotwatch.Listing{
		AuctionID:   id,
		Title:       make + " car",
		Make:        make,
		Model:       "Model",
		Year:        ptr(year),
		Price:       ptr(15000.0),
		Currency:    "USD",
		Source:      source,
		SourceSite:  source + ".example",
		LastUpdated: updated,
		Active:      true,
	}
}

func (ts testServer) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	ts.Handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestGetHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[health.Report](t, rec)
	assert.Equal(t, health.StatusNeedsRefresh, got.Status)
	assert.Equal(t, "none", got.LastCycleStatus)

	ts.cache.Swap([]lotwatch.Listing{listing("a", "copart", "Toyota", 2010, ts.clk.Now())}, ts.clk.Now())
	ts.repo.entries = []lotwatch.IngestionLogEntry{{ID: 1, Status: lotwatch.IngestionStatusSuccess}}

	rec = ts.do(t, http.MethodGet, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[health.Report](t, rec)
	assert.Equal(t, health.StatusHealthy, got.Status)
	assert.True(t, got.CacheFresh)
	assert.Equal(t, 1, got.TotalCachedListings)
}

func TestGetCacheStatus(t *testing.T) {
	ts := newTestServer(t)
	now := ts.clk.Now()

	var ls []lotwatch.Listing
	for i, id := range []string{"a", "b", "c", "d", "e", "f"} {
		ls = append(ls, listing(id, []string{"copart", "iaai"}[i%2], "Honda", 2015, now.Add(time.Duration(i)*time.Minute)))
	}
	ts.cache.Swap(ls, now)

	rec := ts.do(t, http.MethodGet, "/api/cache/status")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[CacheStatusResp](t, rec)
	assert.Equal(t, 6, got.TotalCachedListings)
	assert.True(t, got.IsFresh)
	assert.Equal(t, []string{"copart", "iaai"}, got.Sources)
	require.Len(t, got.Sample, 5)
	assert.Equal(t, "f", got.Sample[0].AuctionID, "most recent first")
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, now.Add(24*time.Hour).Equal(*got.ExpiresAt))
	assert.Empty(t, ts.sched.triggered)
}

func TestGetCacheStatus_ExpiredTriggersRefresh(t *testing.T) {
	ts := newTestServer(t)
	ts.cache.NotifyOnExpiry(func() { ts.sched.Trigger(refresh.TriggerCacheExpired) })
	ts.cache.Swap([]lotwatch.Listing{listing("a", "copart", "Honda", 2015, ts.clk.Now())}, ts.clk.Now())
	ts.clk.Add(25 * time.Hour)

	rec := ts.do(t, http.MethodGet, "/api/cache/status")
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[CacheStatusResp](t, rec)
	assert.False(t, got.IsFresh)
	assert.Equal(t, 1, got.TotalCachedListings, "stale data is still served")
	assert.Equal(t, []refresh.Trigger{refresh.TriggerCacheExpired}, ts.sched.triggered)
}

func TestPostRefresh(t *testing.T) {
	t.Run("synchronous", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sched.result = refresh.Result{Success: true, RefreshBatchID: "batch-rb", RecordsReceived: 3, RecordsProcessed: 3}

		rec := ts.do(t, http.MethodPost, "/api/refresh")
		require.Equal(t, http.StatusOK, rec.Code)

		got := decode[map[string]any](t, rec)
		assert.Equal(t, true, got["success"])
		assert.Equal(t, "batch-rb", got["refresh_batch_id"])
		assert.Equal(t, "manual", got["trigger"])
		assert.EqualValues(t, 3, got["records_processed"])
	})

	t.Run("already running", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sched.err = lotwatch.ErrCycleRunning

		rec := ts.do(t, http.MethodPost, "/api/refresh")
		require.Equal(t, http.StatusConflict, rec.Code)

		got := decode[lwerrs.Error](t, rec)
		assert.EqualError(t, got.Err, lotwatch.ErrCycleRunning.Error())
	})

	t.Run("async", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodPost, "/api/refresh?async=true")
		require.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, []refresh.Trigger{refresh.TriggerManual}, ts.sched.triggered)
	})

	t.Run("async while running", func(t *testing.T) {
		ts := newTestServer(t)
		ts.sched.running = true

		rec := ts.do(t, http.MethodPost, "/api/refresh?async=true")
		require.Equal(t, http.StatusConflict, rec.Code)
		assert.Empty(t, ts.sched.triggered)
	})

	t.Run("wrong method", func(t *testing.T) {
		ts := newTestServer(t)

		rec := ts.do(t, http.MethodGet, "/api/refresh")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestGetIngestionLogs(t *testing.T) {
	ts := newTestServer(t)
	finished := ts.clk.Now()
	for i := range 30 {
		status := lotwatch.IngestionStatusSuccess
		if i%3 == 0 {
			status = lotwatch.IngestionStatusFailed
		}
		ts.repo.entries = append(ts.repo.entries, lotwatch.IngestionLogEntry{
			ID:               int64(30 - i),
			Status:           status,
			RecordsReceived:  10,
			RecordsProcessed: 8,
			ProcessingMS:     100,
			FinishedAt:       &finished,
		})
	}

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{name: "default", target: "/api/ingestion-logs", want: 20},
		{name: "explicit", target: "/api/ingestion-logs?limit=3", want: 3},
		{name: "clamped", target: "/api/ingestion-logs?limit=1000", want: 30},
		{name: "garbage", target: "/api/ingestion-logs?limit=abc", want: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)

			got := decode[IngestionLogsResp](t, rec)
			assert.Len(t, got.Entries, tt.want)
			assert.Equal(t, tt.want, got.Stats.Cycles)
			assert.Equal(t, int64(30), got.Entries[0].ID)
			assert.NotNil(t, got.Entries[0].Errors)
		})
	}
}

func TestGetListings(t *testing.T) {
	ts := newTestServer(t)
	now := ts.clk.Now()
	ts.cache.Swap([]lotwatch.Listing{
		listing("a", "copart", "Toyota", 2010, now),
		listing("b", "copart", "Honda", 2012, now),
		listing("c", "iaai", "Toyota", 2012, now),
		listing("d", "iaai", "Toyota", 2018, now),
	}, now)

	tests := []struct {
		name   string
		target string
		ids    []string
		total  int
	}{
		{name: "everything", target: "/api/listings", ids: []string{"a", "b", "c", "d"}, total: 4},
		{name: "by source", target: "/api/listings?source=iaai", ids: []string{"c", "d"}, total: 2},
		{name: "by make ignores case", target: "/api/listings?make=toyota", ids: []string{"a", "c", "d"}, total: 3},
		{name: "by year", target: "/api/listings?year=2012", ids: []string{"b", "c"}, total: 2},
		{name: "combined", target: "/api/listings?make=Toyota&year=2012&source=iaai", ids: []string{"c"}, total: 1},
		{name: "paged", target: "/api/listings?limit=2&offset=1", ids: []string{"b", "c"}, total: 4},
		{name: "past the end", target: "/api/listings?offset=10", ids: []string{}, total: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodGet, tt.target)
			require.Equal(t, http.StatusOK, rec.Code)

			got := decode[ListingsResp](t, rec)
			ids := []string{}
			for _, item := range got.Items {
				ids = append(ids, item.AuctionID)
			}
			assert.Equal(t, tt.ids, ids)
			assert.Equal(t, tt.total, got.Pagination.Total)
		})
	}

	t.Run("bad year", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/listings?year=soon")
		require.Equal(t, http.StatusBadRequest, rec.Code)

		got := decode[lwerrs.Error](t, rec)
		require.Len(t, got.Details, 1)
		assert.Equal(t, "year", got.Details[0].Field)
	})
}

func TestGetListing(t *testing.T) {
	ts := newTestServer(t)
	now := ts.clk.Now()
	ts.cache.Swap([]lotwatch.Listing{listing("active-1", "copart", "Toyota", 2010, now)}, now)

	old := listing("gone-1", "copart", "Mazda", 1999, now.Add(-48*time.Hour))
	old.Active = false
	ts.repo.history["gone-1"] = old

	t.Run("from cache", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/listings/active-1")
		require.Equal(t, http.StatusOK, rec.Code)

		got := decode[ListingResp](t, rec)
		assert.Equal(t, "Toyota", got.Make)
		assert.True(t, got.Active)
		assert.Zero(t, ts.repo.lookups.Load())
	})

	t.Run("deactivated history from storage, then lru", func(t *testing.T) {
		for range 3 {
			rec := ts.do(t, http.MethodGet, "/api/listings/gone-1")
			require.Equal(t, http.StatusOK, rec.Code)

			got := decode[ListingResp](t, rec)
			assert.False(t, got.Active)
			assert.Equal(t, "Mazda", got.Make)
		}
		assert.Equal(t, int32(1), ts.repo.lookups.Load())
	})

	t.Run("new generation misses the lru", func(t *testing.T) {
		ts.clk.Add(time.Hour)
		ts.cache.Swap([]lotwatch.Listing{listing("active-1", "copart", "Toyota", 2010, ts.clk.Now())}, ts.clk.Now())

		rec := ts.do(t, http.MethodGet, "/api/listings/gone-1")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, int32(2), ts.repo.lookups.Load())
	})

	t.Run("unknown", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/listings/nope")
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestParsePaginationParams(t *testing.T) {
	tests := []struct {
		query         string
		limit, offset int
	}{
		{query: "", limit: 20, offset: 0},
		{query: "limit=5&offset=10", limit: 5, offset: 10},
		{query: "limit=0", limit: 20, offset: 0},
		{query: "limit=101", limit: 100, offset: 0},
		{query: "offset=-4", limit: 20, offset: 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			limit, offset := parsePaginationParams(r, 20, 100)
			assert.Equal(t, tt.limit, limit)
			assert.Equal(t, tt.offset, offset)
		})
	}
}
