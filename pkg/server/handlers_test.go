package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/histqueue/pkg/config"
	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/ebd"
	"github.com/nicktill/histqueue/pkg/filestore/memory"
	"github.com/nicktill/histqueue/pkg/queue"
	"github.com/nicktill/histqueue/pkg/server/monitor"
	"github.com/nicktill/histqueue/pkg/tags"
	"github.com/nicktill/histqueue/pkg/tracker"
)

const (
	t0        = int64(1700000000000)
	logHeader = `"TagId";"TimeInt";"TimeStr";"IsInitValue";"Value";"IQuality"`
)

// stubService serves the same artifact for every standard export and can
// be told to fail the next few calls.
type stubService struct {
	mu       sync.Mutex
	artifact string
	failures int
	err      error
	calls    int
}

func (s *stubService) Export(ctx context.Context, req ebd.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	body := logHeader + "\n"
	if req.Channel == ebd.Standard {
		body = s.artifact
	}
	return ebd.WriteArtifact(req.Destination, strings.NewReader(body))
}

func (s *stubService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testEnv struct {
	manager *queue.Manager
	service *stubService
	store   *memory.Store
	tracker *tracker.Tracker
	cycles  *monitor.CycleMonitor
	router  *mux.Router

	mu  sync.Mutex
	now int64
}

func (e *testEnv) setNow(ms int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = ms
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		service: &stubService{artifact: logHeader + "\n" + `247;1700000030;"14/11/2023 22:13:50";0;1;3` + "\n"},
		store:   memory.New(),
		now:     t0,
	}
	env.tracker = tracker.New(env.store, config.TimeTrackerFile, config.TimeTrackerBackup)

	dir := t.TempDir()
	m, err := queue.NewManager(queue.Options{
		Service: env.service,
		Registry: tags.NewCache(tags.StaticSource{
			{ID: 247, Name: "Pump_Running", Type: datapoint.BooleanType, Group: ebd.GroupA},
		}),
		Tracker:  env.tracker,
		Settings: config.NewSettings(),
		Clock: queue.ClockFunc(func() int64 {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.now
		}),
		StandardArtifact: filepath.Join(dir, config.StandardArtifact),
		StringArtifact:   filepath.Join(dir, config.StringArtifact),
	})
	require.NoError(t, err)
	env.manager = m
	env.cycles = monitor.NewCycleMonitor(time.Hour)

	env.router = mux.NewRouter()
	SetupRoutes(env.router, NewHandler(m, env.cycles, monitor.NewStorageMonitor(dir)), "8080")
	return env
}

func (e *testEnv) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), "body: %s", rr.Body.String())
	return v
}

func TestHandlePull(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.tracker.Reset(context.Background(), t0))
	env.setNow(t0 + 90_000)

	rr := env.do(t, http.MethodPost, "/v1/pull?groups=A", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Window        queue.Window       `json:"window"`
		Groups        string             `json:"groups"`
		StandardCount int                `json:"standard_count"`
		Checkpoint    int64              `json:"checkpoint"`
		Points        []datapoint.Record `json:"points"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	assert.Equal(t, queue.Window{Start: t0, End: t0 + 60_000}, resp.Window)
	assert.Equal(t, "A", resp.Groups)
	assert.Equal(t, 1, resp.StandardCount)
	assert.Equal(t, t0+60_001, resp.Checkpoint)
	require.Len(t, resp.Points, 1)
	assert.Equal(t, "Pump_Running", resp.Points[0].Name)
	assert.Equal(t, true, resp.Points[0].Value)

	assert.True(t, env.cycles.IsHealthy())
	assert.Equal(t, int64(1), env.cycles.Status().TotalPoints)
}

func TestHandlePull_ErrorStatuses(t *testing.T) {
	t.Run("bad groups", func(t *testing.T) {
		env := newTestEnv(t)
		rr := env.do(t, http.MethodPost, "/v1/pull?groups=XYZ", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, 0, env.service.Calls())
	})

	t.Run("bad strings flag", func(t *testing.T) {
		env := newTestEnv(t)
		rr := env.do(t, http.MethodPost, "/v1/pull?strings=maybe", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("not started", func(t *testing.T) {
		env := newTestEnv(t)
		rr := env.do(t, http.MethodPost, "/v1/pull", "")
		assert.Equal(t, http.StatusConflict, rr.Code)
	})

	t.Run("checkpoint ahead of clock", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.tracker.Reset(context.Background(), t0+10_000))
		rr := env.do(t, http.MethodPost, "/v1/pull", "")
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Equal(t, 0, env.service.Calls())
	})

	t.Run("unrecoverable tracker", func(t *testing.T) {
		env := newTestEnv(t)
		env.store.Set(config.TimeTrackerFile, "junk")
		env.store.Set(config.TimeTrackerBackup, "-5")
		rr := env.do(t, http.MethodPost, "/v1/pull", "")
		assert.Equal(t, http.StatusConflict, rr.Code)
		assert.Contains(t, rr.Body.String(), "unrecoverable")
	})

	t.Run("export failure", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, env.tracker.Reset(context.Background(), t0))
		env.setNow(t0 + 60_000)
		env.service.failures = 1
		env.service.err = errors.New("connection refused")

		rr := env.do(t, http.MethodPost, "/v1/pull", "")
		assert.Equal(t, http.StatusBadGateway, rr.Code)
		assert.Equal(t, 1, env.cycles.Status().ConsecutiveErrors)

		res, err := env.tracker.Read(context.Background())
		require.NoError(t, err)
		assert.Equal(t, t0, res.Value)
	})
}

func TestHandlePull_NewEpoch(t *testing.T) {
	env := newTestEnv(t)
	env.setNow(t0 + 5_000)

	rr := env.do(t, http.MethodPost, "/v1/pull?new_epoch=true", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	resp := decode[map[string]any](t, rr)
	assert.Equal(t, true, resp["new_epoch"])
	assert.Equal(t, float64(t0+5_001), resp["checkpoint"])
}

func TestHandleHealth(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "degraded", decode[HealthResponse](t, rr).Status)

	env.cycles.RecordSuccess(nil)
	rr = env.do(t, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "healthy", decode[HealthResponse](t, rr).Status)
}

func TestHandleStatus(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	status := decode[StatusResponse](t, rr)
	assert.False(t, status.TrackerExists)
	assert.Equal(t, t0, status.Now)
	require.NotNil(t, status.Storage)

	require.NoError(t, env.tracker.Reset(context.Background(), t0-30_000))
	rr = env.do(t, http.MethodGet, "/v1/status", "")
	status = decode[StatusResponse](t, rr)
	assert.True(t, status.TrackerExists)
	assert.Equal(t, t0-30_000, status.Checkpoint)
	assert.Equal(t, int64(30_000), status.LagMillis)
	assert.Equal(t, "ok", status.CheckpointStatus)
	assert.Equal(t, int64(1), status.Settings.SpanMinutes)

	env.store.Set(config.TimeTrackerFile, "junk")
	env.store.Set(config.TimeTrackerBackup, "junk")
	rr = env.do(t, http.MethodGet, "/v1/status", "")
	require.Equal(t, http.StatusOK, rr.Code)
	status = decode[StatusResponse](t, rr)
	assert.True(t, status.TrackerExists)
	assert.NotEmpty(t, status.CheckpointError)
}

func TestHandleSettings(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/v1/settings", "")
	require.Equal(t, http.StatusOK, rr.Code)
	snap := decode[config.SettingsSnapshot](t, rr)
	assert.Equal(t, ebd.AllGroups, snap.Groups)

	rr = env.do(t, http.MethodPut, "/v1/settings", `{"span_minutes": 5, "groups": "BD"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	snap = decode[config.SettingsSnapshot](t, rr)
	assert.Equal(t, int64(5), snap.SpanMinutes)
	assert.Equal(t, "BD", snap.Groups.String())
	assert.Equal(t, int64(5), env.manager.Settings().SpanMinutes())

	for name, body := range map[string]string{
		"zero span":     `{"span_minutes": 0}`,
		"empty groups":  `{"groups": ""}`,
		"unknown field": `{"span": 5}`,
		"malformed":     `{"span_minutes":`,
	} {
		t.Run(name, func(t *testing.T) {
			rr := env.do(t, http.MethodPut, "/v1/settings", body)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, int64(5), env.manager.Settings().SpanMinutes())
		})
	}
}

func TestHandleResetTracker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rr := env.do(t, http.MethodPost, "/v1/tracker/reset", `{"timestamp": 1600000000000}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res, err := env.tracker.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1600000000000), res.Value)

	rr = env.do(t, http.MethodPost, "/v1/tracker/reset", "")
	require.Equal(t, http.StatusOK, rr.Code)
	res, err = env.tracker.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, t0, res.Value)

	rr = env.do(t, http.MethodPost, "/v1/tracker/reset", `{"timestamp": -1}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleResetTracker_RecoversUnrecoverable(t *testing.T) {
	env := newTestEnv(t)
	env.store.Set(config.TimeTrackerFile, "junk")
	env.store.Set(config.TimeTrackerBackup, "junk")

	rr := env.do(t, http.MethodPost, "/v1/tracker/reset", `{"timestamp": 1700000000000}`)
	require.Equal(t, http.StatusOK, rr.Code)

	env.setNow(t0 + 60_000)
	rr = env.do(t, http.MethodPost, "/v1/pull", "")
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/settings", nil)
	req.Header.Set("Origin", "http://localhost:8080")
	rr := httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:8080", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/settings", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	env.router.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}
