package rest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/arohanajit/Distributed-Compute/internal/cluster"
	"github.com/arohanajit/Distributed-Compute/internal/metrics"
	"github.com/arohanajit/Distributed-Compute/internal/task/builtin"
)

func newTestRouter(h *TaskHandler) *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func TestRouter_Health(t *testing.T) {
	fc := newFakeCluster()
	fc.peers = []cluster.Peer{{Address: "10.0.0.2:2100"}}

	rec := serve(t, fc, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Peers)
	assert.Equal(t, 1, resp.PendingReturns)
}

func TestRouter_Metrics(t *testing.T) {
	rec := serve(t, newFakeCluster(), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestRouter_RequestID(t *testing.T) {
	r := NewRouter(newFakeCluster(), builtin.New, nil, nil)

	rec := do(t, r, http.MethodGet, "/health", nil)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestRouter_RecordsRequestMetrics(t *testing.T) {
	pm := metrics.New(prometheus.NewRegistry())
	r := NewRouter(newFakeCluster(), builtin.New, nil, pm)

	do(t, r, http.MethodDelete, "/cluster/peers/10.0.0.9:2100", nil)
	do(t, r, http.MethodDelete, "/cluster/peers/10.0.0.8:2100", nil)

	got := testutil.ToFloat64(pm.RequestsTotal.WithLabelValues(http.MethodDelete, "/cluster/peers/{address}", "404"))
	assert.Equal(t, 2.0, got)
}

func TestLogging_WarnsOnServerErrors(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/boom" {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))

	do(t, h, http.MethodGet, "/ok", nil)
	do(t, h, http.MethodGet, "/boom", nil)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.WarnLevel, entries[1].Level)
	assert.Equal(t, int64(500), entries[1].ContextMap()["status"])
}
