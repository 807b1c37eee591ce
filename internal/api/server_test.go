package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/creatorlift/engagement-ingest/internal/admission"
	clockSystem "github.com/creatorlift/engagement-ingest/internal/clock/system"
	"github.com/creatorlift/engagement-ingest/internal/config"
	"github.com/creatorlift/engagement-ingest/internal/fetcher/static"
	"github.com/creatorlift/engagement-ingest/internal/ingest"
	"github.com/creatorlift/engagement-ingest/internal/processor"
	publisherMemory "github.com/creatorlift/engagement-ingest/internal/publisher/memory"
	"github.com/creatorlift/engagement-ingest/internal/scheduler"
	"github.com/creatorlift/engagement-ingest/internal/stats"
	storeMemory "github.com/creatorlift/engagement-ingest/internal/store/memory"
)

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("req-%d", g.n), nil
}

type fakeSched struct {
	status     scheduler.Status
	triggerErr error
	triggered  int
}

func (f *fakeSched) Status() scheduler.Status { return f.status }

func (f *fakeSched) TriggerManual(context.Context) error {
	f.triggered++
	return f.triggerErr
}

func testConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Queue: config.QueueConfig{
			CooldownSeconds:      1,
			BatchSizeDefault:     10,
			MaxProcessingMinutes: 1,
			RetentionDays:        30,
		},
	}
}

type env struct {
	store  *storeMemory.QueueStore
	sched  *fakeSched
	server *Server
}

func newEnv(t *testing.T, cfg config.Config) *env {
	t.Helper()
	store := storeMemory.NewQueueStore()
	clock := clockSystem.New()
	adm := admission.New(store, &seqIDGen{}, clock, nil)
	proc := processor.New(
		store,
		static.New(0),
		nil,
		publisherMemory.New(),
		nil,
		clock,
		processor.Config{Cooldown: time.Millisecond},
		nil,
	)
	reporter := stats.New(store, time.Duration(cfg.Queue.CooldownSeconds)*time.Second)
	sched := &fakeSched{}
	return &env{
		store:  store,
		sched:  sched,
		server: NewServer(adm, proc, reporter, sched, store, clock, cfg, nil),
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func intent(handle string) ingest.FetchIntent {
	return ingest.FetchIntent{
		Handle:         handle,
		CampaignID:     7,
		SnapshotID:     3,
		SnapshotDate:   "2024-01-01",
		PlatformSource: "X",
	}
}

func TestQueueRequestsAccepted(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	rec := e.do(t, http.MethodPost, "/v1/queue/requests", queueRequestsBody{
		Requests: []ingest.FetchIntent{intent("alice"), intent("bob")},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp["queued"])
}

func TestQueueRequestsRejectsInvalidBatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	bad := intent("alice")
	bad.SnapshotDate = ""
	rec := e.do(t, http.MethodPost, "/v1/queue/requests", queueRequestsBody{
		Requests: []ingest.FetchIntent{intent("bob"), bad},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "snapshot_date")

	// Whole-batch rejection: the valid record must not be persisted either.
	counts, err := e.store.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts[ingest.StatusPending])
}

func TestQueueRequestsEmptyBody(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	rec := e.do(t, http.MethodPost, "/v1/queue/requests", queueRequestsBody{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunEndpointDrainsQueue(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	rec := e.do(t, http.MethodPost, "/v1/queue/requests", queueRequestsBody{
		Requests: []ingest.FetchIntent{intent("alice")},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/queue/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Processed)
	require.Equal(t, 1, resp.Total)
	require.Empty(t, resp.Message)
}

func TestRunEndpointNothingToDo(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	rec := e.do(t, http.MethodPost, "/v1/queue/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "nothing to do")
}

func TestRunEndpointConflictWhileLockHeld(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	ok, err := e.store.TryRunLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	rec := e.do(t, http.MethodPost, "/v1/queue/run", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestQueueStatsEndpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	rec := e.do(t, http.MethodPost, "/v1/queue/requests", queueRequestsBody{
		Requests: []ingest.FetchIntent{intent("alice"), intent("carol")},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = e.do(t, http.MethodGet, "/v1/queue/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var qs ingest.QueueStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &qs))
	require.Equal(t, int64(2), qs.Pending)
	require.Equal(t, int64(2), qs.EstimatedDrainSeconds)
}

func TestRequeueEndpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	now := time.Now().UTC()
	require.NoError(t, e.store.EnqueueBatch(context.Background(), []ingest.FetchRequest{{
		ID:             "req-failed",
		Handle:         "alice",
		CampaignID:     7,
		SnapshotID:     3,
		SnapshotDate:   "2024-01-01",
		PlatformSource: "X",
		Status:         ingest.StatusPending,
		QueuedAt:       now,
	}}))
	require.NoError(t, e.store.MarkInProgress(context.Background(), "req-failed", now))
	require.NoError(t, e.store.Fail(context.Background(), "req-failed", "boom", now))

	rec := e.do(t, http.MethodPost, "/v1/queue/requests/req-failed/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req, err := e.store.GetRequest(context.Background(), "req-failed")
	require.NoError(t, err)
	require.Equal(t, ingest.StatusPending, req.Status)

	// Already pending now, so a second requeue is an illegal transition.
	rec = e.do(t, http.MethodPost, "/v1/queue/requests/req-failed/requeue", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/v1/queue/requests/no-such-id/requeue", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	old := time.Now().UTC().Add(-90 * 24 * time.Hour)
	require.NoError(t, e.store.EnqueueBatch(context.Background(), []ingest.FetchRequest{{
		ID:             "req-old",
		Handle:         "alice",
		CampaignID:     7,
		SnapshotID:     3,
		SnapshotDate:   "2023-01-01",
		PlatformSource: "X",
		Status:         ingest.StatusPending,
		QueuedAt:       old,
	}}))

	days := 60
	rec := e.do(t, http.MethodPost, "/v1/queue/cleanup", cleanupBody{RetentionDays: &days})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"removed":1`)

	badDays := -1
	rec = e.do(t, http.MethodPost, "/v1/queue/cleanup", cleanupBody{RetentionDays: &badDays})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSchedulerEndpoints(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	e.sched.status = scheduler.Status{IntervalSeconds: 600}

	rec := e.do(t, http.MethodGet, "/v1/scheduler/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"interval_seconds":600`)

	rec = e.do(t, http.MethodPost, "/v1/scheduler/trigger", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, e.sched.triggered)

	e.sched.triggerErr = ingest.ErrRunActive
	rec = e.do(t, http.MethodPost, "/v1/scheduler/trigger", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Auth = config.AuthConfig{Enabled: true, APIKey: "sekrit"}
	e := newEnv(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/readyz", nil).Code)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/metrics", nil).Code)
}

func TestRequestIDHeaderSet(t *testing.T) {
	t.Parallel()

	e := newEnv(t, testConfig())
	rec := e.do(t, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
