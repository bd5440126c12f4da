package cluster

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeat_PrunesAfterThreshold(t *testing.T) {
	live := startNode(t, nil, testKinds(t, false))
	m := NewManager(testConfig(), testKinds(t, false))

	closed, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := closed.Addr().String()
	closed.Close()

	require.True(t, m.AddNode(context.Background(), live.addr))
	require.True(t, m.Directory().Add(dead, 3))

	hb := NewHeartbeat(m, time.Hour, 2)

	assert.Empty(t, hb.checkAllPeers(context.Background()))
	p, ok := m.Peer(dead)
	require.True(t, ok)
	assert.Equal(t, 1, p.Failures)
	assert.False(t, p.Reachable())

	assert.Equal(t, []string{dead}, hb.checkAllPeers(context.Background()))
	_, ok = m.Peer(dead)
	assert.False(t, ok)

	p, ok = m.Peer(live.addr)
	require.True(t, ok)
	assert.Equal(t, 0, p.Failures)
	assert.True(t, p.Reachable())
}

func TestHeartbeat_DefaultsAndDisabled(t *testing.T) {
	m := NewManager(testConfig(), testKinds(t, false))

	hb := NewHeartbeat(m, 0, 0)
	assert.Equal(t, defaultFailureThreshold, hb.threshold)

	done := make(chan struct{})
	go func() {
		hb.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled heartbeat should return immediately")
	}
}

func TestHeartbeat_StopEndsLoop(t *testing.T) {
	m := NewManager(testConfig(), testKinds(t, false))
	hb := NewHeartbeat(m, 10*time.Millisecond, 1)

	done := make(chan struct{})
	go func() {
		hb.Start(context.Background())
		close(done)
	}()
	hb.Stop()
	hb.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}
