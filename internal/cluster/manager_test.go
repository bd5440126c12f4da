package cluster

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/task/builtin"
)

func TestNewManager_Self(t *testing.T) {
	tests := []struct {
		name      string
		advertise string
		opt       []Option
		want      string
	}{
		{name: "unset", want: ""},
		{name: "advertise host gets port", advertise: "10.1.1.1", want: "10.1.1.1:2100"},
		{name: "option wins", advertise: "10.1.1.1", opt: []Option{WithAdvertiseAddr("10.2.2.2:9000")}, want: "10.2.2.2:9000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Port = 2100
			cfg.AdvertiseHost = tt.advertise
			m := NewManager(cfg, testKinds(t, false), tt.opt...)
			assert.Equal(t, tt.want, m.Self())
		})
	}
}

func TestManager_SelfFromListener(t *testing.T) {
	node := startNode(t, nil, testKinds(t, false))
	assert.Equal(t, node.ln.Addr().String(), node.Self())
}

func TestManager_RemovePeer(t *testing.T) {
	cfg := testConfig()
	cfg.Port = 2100
	m := NewManager(cfg, testKinds(t, false))
	require.True(t, m.Directory().Add("10.0.0.9:2100", 4))

	assert.True(t, m.RemovePeer("10.0.0.9"))
	assert.False(t, m.RemovePeer("10.0.0.9"))
	assert.Equal(t, 0, m.PeerCount())
}

func TestManager_AsyncNeedsAddress(t *testing.T) {
	m := NewManager(testConfig(), testKinds(t, true))
	_, err := m.Dispatch(context.Background(), "127.0.0.1:1", builtin.NewPrimeCountAsync(5), task.PriorityLow)
	require.Error(t, err)
	assert.Equal(t, 0, m.PendingReturns())
}

func TestManager_FailedAsyncDispatchUnregisters(t *testing.T) {
	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := closed.Addr().String()
	closed.Close()

	m := NewManager(testConfig(), testKinds(t, true), WithAdvertiseAddr("127.0.0.1:2100"))
	pc := builtin.NewPrimeCountAsync(5)
	_, err = m.Dispatch(context.Background(), addr, pc, task.PriorityLow)
	require.Error(t, err)
	assert.Equal(t, 0, m.PendingReturns())
	assert.Equal(t, "127.0.0.1:2100", pc.Origin())
}

func TestManager_Snapshots(t *testing.T) {
	m := NewManager(testConfig(), testKinds(t, true))
	assert.Contains(t, m.Kinds(), "builtin.Echo")
	assert.Empty(t, m.ActiveTasks())

	snap := m.CacheSnapshot()
	assert.Equal(t, 0, snap.Size)
	assert.Equal(t, uint64(0), snap.Realized)
}
