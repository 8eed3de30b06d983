package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/workerd/internal/history"
)

type captured struct {
	method, path, user, pass string
	doc                      map[string]any
}

func capture(t *testing.T, status int) (*httptest.Server, chan captured) {
	t.Helper()
	got := make(chan captured, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := captured{method: r.Method, path: r.URL.Path}
		c.user, c.pass, _ = r.BasicAuth()
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &c.doc)
		got <- c
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"mapper_parsing_exception"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestSend(t *testing.T) {
	srv, got := capture(t, http.StatusCreated)
	sink := New(Options{BaseURL: srv.URL + "/", Index: "workers", Username: "ops", Password: "pw"})
	at := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Send(context.Background(), history.Event{
		Type: history.EventExit, OccurredAt: at, Pool: "consumer", Slot: 3, PID: 12345, Status: 143, UptimeMS: 60000,
	}))

	c := <-got
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/workers/_doc", c.path)
	assert.Equal(t, "ops", c.user)
	assert.Equal(t, "pw", c.pass)
	assert.Equal(t, "exit", c.doc["type"])
	assert.Equal(t, "consumer", c.doc["pool"])
	assert.Equal(t, float64(143), c.doc["status"])
	assert.Equal(t, float64(3), c.doc["slot"])
}

func TestSendDailyIndex(t *testing.T) {
	srv, got := capture(t, http.StatusCreated)
	sink := New(Options{BaseURL: srv.URL, Daily: true})
	at := time.Date(2026, 5, 1, 23, 30, 0, 0, time.FixedZone("KST", 9*3600))
	require.NoError(t, sink.Send(context.Background(), history.Event{Type: history.EventSpawn, OccurredAt: at, Pool: "consumer"}))
	assert.Equal(t, "/worker-history-2026.05.01/_doc", (<-got).path)
}

func TestSendError(t *testing.T) {
	srv, got := capture(t, http.StatusBadRequest)
	sink := New(Options{BaseURL: srv.URL, Index: "workers"})
	err := sink.Send(context.Background(), history.Event{Type: history.EventSpawn, Pool: "consumer", PID: 1})
	<-got
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestURL(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "http://localhost:9200/logs/_doc", New(Options{BaseURL: "http://localhost:9200", Index: "logs"}).URL(at))
	assert.Equal(t, "https://search.example.com/worker-history-2026.01.02/_doc", New(Options{BaseURL: "https://search.example.com/", Daily: true}).URL(at))
}
