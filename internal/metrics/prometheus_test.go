package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Singleton(t *testing.T) {
	assert.Same(t, GetMetrics(), GetMetrics(), "GetMetrics should return the same instance")
}

func TestPrometheusMetrics_Recorders(t *testing.T) {
	pm := New(prometheus.NewRegistry())

	pm.SetPeersTotal(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.PeersTotal))

	pm.ObservePing(0, false)
	pm.ObservePing(0, false)
	pm.ObservePing(12*time.Millisecond, true)
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.PingFailures))

	pm.RecordDispatch(OutcomeSuccess, time.Second)
	pm.RecordDispatch(OutcomeNoPeers, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.DispatchesTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.DispatchesTotal.WithLabelValues(OutcomeNoPeers)))

	pm.AddChannelBytes("sent", 100)
	pm.AddChannelBytes("sent", 0)
	assert.Equal(t, 100.0, testutil.ToFloat64(pm.ChannelBytes.WithLabelValues("sent")))

	pm.RecordScan(2)
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.ScansTotal))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.ScanResponses))

	pm.RecordAdmissionRejection()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.AdmissionRejections))
}

func TestPrometheusMetrics_NilSafe(t *testing.T) {
	var pm *PrometheusMetrics
	assert.NotPanics(t, func() {
		pm.SetPeersTotal(1)
		pm.ObservePing(time.Millisecond, true)
		pm.RecordDispatch(OutcomeFailure, time.Millisecond)
		pm.RecordTaskCompletion("SYNCHRONOUS", OutcomeSuccess)
		pm.RecordReturnDelivery("out", OutcomeFailure)
		pm.IncRequestsInFlight()
		pm.DecRequestsInFlight()
	})
}

func TestMiddleware_LabelsByRouteTemplate(t *testing.T) {
	pm := New(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(Middleware(pm))
	router.HandleFunc("/cluster/peers/{address}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodDelete)

	for _, addr := range []string{"10.0.0.1:2100", "10.0.0.2:2100"} {
		req := httptest.NewRequest(http.MethodDelete, "/cluster/peers/"+addr, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(
		pm.RequestsTotal.WithLabelValues(http.MethodDelete, "/cluster/peers/{address}", "204")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.RequestsInFlight))
}
