package rest

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohanajit/Distributed-Compute/internal/cluster"
	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/task/builtin"
)

func TestTaskHandler_Queue(t *testing.T) {
	tests := []struct {
		name         string
		body         interface{}
		peers        []cluster.Peer
		queueErr     error
		wantStatus   int
		wantPriority task.Priority
	}{
		{
			name:         "queued with priority",
			body:         map[string]interface{}{"kind": "PrimeCount", "params": map[string]int{"limit": 50}, "priority": "HIGH"},
			peers:        []cluster.Peer{{Address: "10.0.0.2:2100"}},
			wantStatus:   http.StatusOK,
			wantPriority: task.PriorityHigh,
		},
		{
			name:         "unknown priority falls back to medium",
			body:         map[string]interface{}{"kind": "builtin.Echo", "params": map[string]string{"message": "hi"}, "priority": "urgent"},
			peers:        []cluster.Peer{{Address: "10.0.0.2:2100"}},
			wantStatus:   http.StatusOK,
			wantPriority: task.PriorityMedium,
		},
		{
			name:       "no peers",
			body:       map[string]string{"kind": "Echo"},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "remote failure keeps the receipt",
			body:       map[string]string{"kind": "Echo"},
			peers:      []cluster.Peer{{Address: "10.0.0.2:2100"}},
			queueErr:   errors.Wrap(cluster.ErrRemoteTaskFailed, "Echo on 10.0.0.2:2100"),
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "unknown kind",
			body:       map[string]string{"kind": "Nope"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing kind",
			body:       map[string]string{},
			wantStatus: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCluster()
			fc.peers = tt.peers
			fc.queueErr = tt.queueErr

			rec := serve(t, fc, http.MethodPost, "/tasks", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}

			require.Len(t, fc.priorities, 1)
			assert.Equal(t, tt.wantPriority, fc.priorities[0])

			var resp struct {
				Peer      string `json:"peer"`
				ProcessID string `json:"process_id"`
				Priority  string `json:"priority"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "10.0.0.2:2100", resp.Peer)
			assert.Equal(t, fc.queued[0].UniqueID(), resp.ProcessID)
			assert.Equal(t, tt.wantPriority.String(), resp.Priority)
		})
	}
}

func TestTaskHandler_QueueWaitsForReturn(t *testing.T) {
	fc := newFakeCluster()
	fc.peers = []cluster.Peer{{Address: "10.0.0.2:2100"}}
	fc.onQueue = func(qt task.Task) {
		ret, err := task.NewReturn(qt, 25)
		require.NoError(t, err)
		go qt.(task.ReturnReceiver).AcceptReturn(ret)
	}

	rec := serve(t, fc, http.MethodPost, "/tasks", map[string]interface{}{
		"kind": "PrimeCountAsync", "params": map[string]int{"limit": 100}, "wait": true,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Return *task.Return `json:"return"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Return)
	var n int
	require.NoError(t, resp.Return.Decode(&n))
	assert.Equal(t, 25, n)
}

func TestTaskHandler_QueueWaitTimesOut(t *testing.T) {
	fc := newFakeCluster()
	fc.peers = []cluster.Peer{{Address: "10.0.0.2:2100"}}

	h := NewTaskHandler(fc, builtin.New, nil)
	h.returnWait = 20 * time.Millisecond
	r := newTestRouter(h)

	rec := do(t, r, http.MethodPost, "/tasks", map[string]interface{}{"kind": "PrimeCountAsync", "wait": true})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestTaskHandler_Broadcast(t *testing.T) {
	tests := []struct {
		name       string
		result     cluster.BroadcastResult
		wantStatus int
		wantFailed int
	}{
		{name: "no peers", wantStatus: http.StatusServiceUnavailable},
		{
			name:       "partial failure",
			result:     cluster.BroadcastResult{"a:2100": nil, "b:2100": errors.New("connection refused")},
			wantStatus: http.StatusOK,
			wantFailed: 1,
		},
		{
			name:       "all failed",
			result:     cluster.BroadcastResult{"a:2100": errors.New("connection refused")},
			wantStatus: http.StatusBadGateway,
			wantFailed: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fc := newFakeCluster()
			fc.broadcast = tt.result

			rec := serve(t, fc, http.MethodPost, "/tasks/broadcast", map[string]string{"kind": "Echo"})
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.result == nil {
				return
			}
			var resp broadcastResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantFailed, resp.Failed)
			assert.Len(t, resp.Peers, len(tt.result))
		})
	}
}

func TestTaskHandler_ActiveAndCache(t *testing.T) {
	fc := newFakeCluster()
	fc.active = []cluster.ActiveTask{{ProcessID: "p1", Name: "PrimeCount", Priority: "LOW", Mode: "SYNCHRONOUS"}}

	rec := serve(t, fc, http.MethodGet, "/tasks/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var active []cluster.ActiveTask
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Len(t, active, 1)
	assert.Equal(t, "p1", active[0].ProcessID)

	rec = serve(t, fc, http.MethodGet, "/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cache struct {
		Size           int      `json:"size"`
		Hits           uint64   `json:"hits"`
		Kinds          []string `json:"kinds"`
		PendingReturns int      `json:"pending_returns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cache))
	assert.Equal(t, 2, cache.Size)
	assert.Equal(t, uint64(5), cache.Hits)
	assert.Contains(t, cache.Kinds, "builtin.Echo")
	assert.Equal(t, 1, cache.PendingReturns)
}
