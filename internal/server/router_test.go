package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/workerd/internal/metrics"
	"github.com/loykin/workerd/internal/supervisor"
)

type fakeController struct {
	mu    sync.Mutex
	snap  supervisor.Snapshot
	err   error
	calls []string
}

func (f *fakeController) Snapshot(ctx context.Context) (supervisor.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap, f.err
}

func (f *fakeController) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeController) Stop()       { f.record("stop") }
func (f *fakeController) Reload()     { f.record("reload") }
func (f *fakeController) Force()      { f.record("force") }
func (f *fakeController) DumpStatus() { f.record("dump") }

func newController() *fakeController {
	return &fakeController{snap: supervisor.Snapshot{
		Status:    "running",
		StartedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Pools: []supervisor.PoolSnapshot{{
			Name:       "consumer",
			Endpoint:   "redis://127.0.0.1:6379",
			Count:      2,
			Reloadable: true,
			Workers:    []supervisor.WorkerSnapshot{{Slot: 0, PID: 101}, {Slot: 1, PID: 102}},
			Exits:      map[int]int{0: 3, 137: 1},
		}},
	}}
}

func doReq(t *testing.T, h http.Handler, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func setupRouter(ctl Controller, base string) http.Handler {
	gin.SetMode(gin.TestMode)
	return NewRouter(ctl, base).Handler()
}

func TestStatusSnapshot(t *testing.T) {
	h := setupRouter(newController(), "/api/")

	rec := doReq(t, h, http.MethodGet, "/api/status")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var snap supervisor.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "running", snap.Status)
	assert.ElementsMatch(t, []int{101, 102}, snap.PIDs())

	rec = doReq(t, h, http.MethodGet, "/api/status?pool=consumer")
	require.Equal(t, http.StatusOK, rec.Code)
	var p supervisor.PoolSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, 1, p.Exits[137])
	assert.Len(t, p.Workers, 2)
}

func TestStatusErrors(t *testing.T) {
	ctl := newController()
	h := setupRouter(ctl, "")

	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/status?pool=missing").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/status?pool=../x").Code)

	ctl.err = supervisor.ErrNotRunning
	assert.Equal(t, http.StatusServiceUnavailable, doReq(t, h, http.MethodGet, "/status").Code)
}

func TestControlActions(t *testing.T) {
	ctl := newController()
	h := setupRouter(ctl, "/ctl")

	cases := []struct {
		path  string
		code  int
		calls []string
	}{
		{"/ctl/reload", http.StatusAccepted, []string{"reload"}},
		{"/ctl/reload?force=true", http.StatusAccepted, []string{"force", "reload"}},
		{"/ctl/stop?force=1", http.StatusAccepted, []string{"force", "stop"}},
		{"/ctl/stop?force=maybe", http.StatusBadRequest, nil},
		{"/ctl/status/dump", http.StatusAccepted, []string{"dump"}},
	}
	for _, tc := range cases {
		ctl.calls = nil
		rec := doReq(t, h, http.MethodPost, tc.path)
		assert.Equal(t, tc.code, rec.Code, tc.path)
		assert.Equal(t, tc.calls, ctl.calls, tc.path)
	}

	// control actions are POST only
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/ctl/stop").Code)
}

func TestWorkersUsage(t *testing.T) {
	ctl := newController()
	disabled := NewRouter(ctl, "").WithUsage(metrics.NewWorkerCollector(metrics.WorkerMetricsConfig{})).Handler()
	assert.Equal(t, http.StatusNotFound, doReq(t, disabled, http.MethodGet, "/workers/usage?pool=consumer").Code)

	collector := metrics.NewWorkerCollector(metrics.WorkerMetricsConfig{Enabled: true, MaxHistory: 4})
	// the test process stands in for a worker
	collector.Collect([]metrics.Target{{Pool: "consumer", Slot: 0, PID: os.Getpid()}})
	collector.Collect([]metrics.Target{{Pool: "consumer", Slot: 0, PID: os.Getpid()}})
	gin.SetMode(gin.TestMode)
	h := NewRouter(ctl, "").WithUsage(collector).Handler()

	rec := doReq(t, h, http.MethodGet, "/workers/usage?pool=consumer")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var u metrics.PoolUsage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, 1, u.Workers)
	assert.Positive(t, u.TotalMemoryMB)

	rec = doReq(t, h, http.MethodGet, "/workers/usage?pool=consumer&slot=0")
	require.Equal(t, http.StatusOK, rec.Code)
	var hist []metrics.WorkerSample
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hist))
	assert.Len(t, hist, 2)

	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/workers/usage").Code)
	assert.Equal(t, http.StatusBadRequest, doReq(t, h, http.MethodGet, "/workers/usage?pool=consumer&slot=-1").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/workers/usage?pool=consumer&slot=5").Code)
	assert.Equal(t, http.StatusNotFound, doReq(t, h, http.MethodGet, "/workers/usage?pool=other").Code)
}

func TestMetricsMount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewRouter(newController(), "/api").WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("workerd_pool_processes 2\n"))
	})).Handler()
	rec := doReq(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "workerd_pool_processes")

	plain := setupRouter(newController(), "/api")
	assert.Equal(t, http.StatusNotFound, doReq(t, plain, http.MethodGet, "/metrics").Code)
}

func TestNewServerStartClose(t *testing.T) {
	srv := NewServer("127.0.0.1:0", setupRouter(newController(), "/x"), nil)
	require.NotNil(t, srv)
	err := srv.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("close: %v", err)
	}
}
