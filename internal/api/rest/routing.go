// Package rest exposes the node's admin API: peer directory management,
// task submission and execution state.
package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/Distributed-Compute/internal/cluster"
	"github.com/arohanajit/Distributed-Compute/internal/metrics"
)

type healthResponse struct {
	Status         string `json:"status"`
	Peers          int    `json:"peers"`
	ActiveTasks    int    `json:"active_tasks"`
	PendingReturns int    `json:"pending_returns"`
}

// NewRouter builds the admin router. pm may be nil, in which case request
// metrics are not recorded; /metrics always serves the default gatherer.
func NewRouter(cm cluster.ClusterManager, newTask TaskFactory, logger *zap.Logger, pm *metrics.PrometheusMetrics) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	r := mux.NewRouter()
	r.Use(RequestID, Logging(logger))
	if pm != nil {
		r.Use(metrics.Middleware(pm))
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{
			Status:         "ok",
			Peers:          len(cm.Peers()),
			ActiveTasks:    len(cm.ActiveTasks()),
			PendingReturns: cm.PendingReturns(),
		})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	NewClusterHandler(cm, logger).RegisterRoutes(r)
	NewTaskHandler(cm, newTask, logger).RegisterRoutes(r)
	return r
}
