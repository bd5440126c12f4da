package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/arohanajit/Distributed-Compute/internal/cluster"
	"github.com/arohanajit/Distributed-Compute/internal/codecache"
	"github.com/arohanajit/Distributed-Compute/internal/task"
)

const defaultReturnWait = 10 * time.Second

// TaskFactory builds a task of the named kind from JSON parameters
type TaskFactory func(kind string, params json.RawMessage) (task.Task, error)

// TaskHandler serves task submission and execution state endpoints
type TaskHandler struct {
	clusterManager cluster.ClusterManager
	newTask        TaskFactory
	returnWait     time.Duration
	logger         *zap.Logger
}

// NewTaskHandler creates a TaskHandler. Tasks are built with newTask.
func NewTaskHandler(cm cluster.ClusterManager, newTask TaskFactory, logger *zap.Logger) *TaskHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskHandler{
		clusterManager: cm,
		newTask:        newTask,
		returnWait:     defaultReturnWait,
		logger:         logger,
	}
}

// RegisterRoutes registers task routes
func (h *TaskHandler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/tasks", h.handleQueue).Methods(http.MethodPost)
	r.HandleFunc("/tasks/broadcast", h.handleBroadcast).Methods(http.MethodPost)
	r.HandleFunc("/tasks/active", h.handleActive).Methods(http.MethodGet)
	r.HandleFunc("/cache", h.handleCache).Methods(http.MethodGet)
}

type submitRequest struct {
	Kind     string          `json:"kind"`
	Params   json.RawMessage `json:"params,omitempty"`
	Priority string          `json:"priority,omitempty"`
	// Wait holds the response until an asynchronous task's return arrives
	Wait bool `json:"wait,omitempty"`
}

type submitResponse struct {
	*cluster.Receipt
	Priority string       `json:"priority"`
	Return   *task.Return `json:"return,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type broadcastEntry struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type broadcastResponse struct {
	Peers  map[string]broadcastEntry `json:"peers"`
	Failed int                       `json:"failed"`
}

type cacheResponse struct {
	codecache.Stats
	Kinds          []string `json:"kinds"`
	PendingReturns int      `json:"pending_returns"`
}

// returnWaiter is implemented by tasks that expose their arriving Return
type returnWaiter interface {
	Done() <-chan *task.Return
}

func (h *TaskHandler) build(w http.ResponseWriter, r *http.Request) (task.Task, task.Priority, bool, bool) {
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, 0, false, false
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return nil, 0, false, false
	}
	t, err := h.newTask(req.Kind, req.Params)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return nil, 0, false, false
	}
	return t, task.ParsePriority(req.Priority), req.Wait, true
}

// handleQueue handles POST /tasks: the task goes to the best ranked peer
func (h *TaskHandler) handleQueue(w http.ResponseWriter, r *http.Request) {
	t, priority, wait, ok := h.build(w, r)
	if !ok {
		return
	}

	receipt, err := h.clusterManager.QueueTask(r.Context(), t, priority)
	resp := submitResponse{Receipt: receipt, Priority: priority.String()}
	if err != nil {
		h.logger.Warn("Task submission failed",
			zap.String("task", t.Name()),
			zap.String("process_id", t.UniqueID()),
			zap.Error(err))
		if receipt == nil {
			writeError(w, statusFor(err), err.Error())
			return
		}
		resp.Error = err.Error()
		writeJSON(w, statusFor(err), resp)
		return
	}

	if wait && t.CompletionMode() == task.CompletionAsynchronous {
		if rw, ok := t.(returnWaiter); ok {
			select {
			case ret := <-rw.Done():
				resp.Return = ret
			case <-time.After(h.returnWait):
				writeJSON(w, http.StatusAccepted, resp)
				return
			case <-r.Context().Done():
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleBroadcast handles POST /tasks/broadcast: a copy goes to every peer
func (h *TaskHandler) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	t, priority, _, ok := h.build(w, r)
	if !ok {
		return
	}

	result := h.clusterManager.SendToAll(r.Context(), t, priority)
	if len(result) == 0 {
		writeError(w, http.StatusServiceUnavailable, cluster.ErrNoPeers.Error())
		return
	}

	resp := broadcastResponse{Peers: make(map[string]broadcastEntry, len(result)), Failed: result.Failed()}
	for addr, err := range result {
		entry := broadcastEntry{OK: err == nil}
		if err != nil {
			entry.Error = err.Error()
		}
		resp.Peers[addr] = entry
	}
	status := http.StatusOK
	if resp.Failed == len(result) {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

// handleActive handles GET /tasks/active
func (h *TaskHandler) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.clusterManager.ActiveTasks())
}

// handleCache handles GET /cache
func (h *TaskHandler) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cacheResponse{
		Stats:          h.clusterManager.CacheStats(),
		Kinds:          h.clusterManager.Kinds(),
		PendingReturns: h.clusterManager.PendingReturns(),
	})
}
