package rest

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/Distributed-Compute/internal/cluster"
)

// ClusterHandler serves the peer directory endpoints
type ClusterHandler struct {
	clusterManager cluster.ClusterManager
	logger         *zap.Logger
}

// NewClusterHandler creates a new instance of ClusterHandler
func NewClusterHandler(cm cluster.ClusterManager, logger *zap.Logger) *ClusterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClusterHandler{clusterManager: cm, logger: logger}
}

// RegisterRoutes registers cluster management routes
func (h *ClusterHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/cluster/peers", h.handleListPeers).Methods(http.MethodGet)
	r.HandleFunc("/cluster/peers", h.handleAddPeer).Methods(http.MethodPost)
	r.HandleFunc("/cluster/peers/{address}", h.handleRemovePeer).Methods(http.MethodDelete)
	r.HandleFunc("/cluster/peers/{address}/ping", h.handlePing).Methods(http.MethodGet)
	r.HandleFunc("/cluster/scan", h.handleScan).Methods(http.MethodPost)
}

type addPeerRequest struct {
	Address string `json:"address"`
}

type pingResponse struct {
	Address   string `json:"address"`
	LatencyMs int64  `json:"latency_ms"`
	Reachable bool   `json:"reachable"`
}

type scanResponse struct {
	Found int            `json:"found"`
	Peers []cluster.Peer `json:"peers"`
}

// handleListPeers handles GET /cluster/peers; peers come back in rank order
func (h *ClusterHandler) handleListPeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.clusterManager.Peers())
}

// handleAddPeer handles POST /cluster/peers
func (h *ClusterHandler) handleAddPeer(w http.ResponseWriter, r *http.Request) {
	var req addPeerRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}

	if !h.clusterManager.AddNode(r.Context(), req.Address) {
		h.logger.Info("Peer did not answer probe", zap.String("peer", req.Address))
		writeError(w, http.StatusBadGateway, "peer did not answer probe")
		return
	}
	p, ok := h.clusterManager.Peer(req.Address)
	if !ok {
		// pruned between probe and lookup
		writeError(w, http.StatusConflict, "peer left the directory")
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// handleRemovePeer handles DELETE /cluster/peers/{address}
func (h *ClusterHandler) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !h.clusterManager.RemovePeer(addr) {
		writeError(w, http.StatusNotFound, "peer not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePing handles GET /cluster/peers/{address}/ping. The address does
// not have to be in the directory.
func (h *ClusterHandler) handlePing(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	latency := h.clusterManager.Ping(r.Context(), addr)
	writeJSON(w, http.StatusOK, pingResponse{
		Address:   addr,
		LatencyMs: latency,
		Reachable: latency >= 0,
	})
}

// handleScan handles POST /cluster/scan
func (h *ClusterHandler) handleScan(w http.ResponseWriter, r *http.Request) {
	found := h.clusterManager.ServiceScan(r.Context())
	writeJSON(w, http.StatusOK, scanResponse{Found: found, Peers: h.clusterManager.Peers()})
}
