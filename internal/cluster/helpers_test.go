package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arohanajit/Distributed-Compute/internal/config"
	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/task/builtin"
)

// gates release gateTasks by name across the sender and receiver copies.
var gates sync.Map

func gate(name string) chan struct{} {
	ch, _ := gates.LoadOrStore(name, make(chan struct{}))
	return ch.(chan struct{})
}

var (
	gateKind = &task.Kind{
		Unit: task.Unit{Name: "Gate", Package: "clustertest", Code: []byte("gate/v1")},
		New:  func() task.Task { return &gateTask{} },
	}
	failKind = &task.Kind{
		Unit: task.Unit{Name: "Fail", Package: "clustertest", Code: []byte("fail/v1")},
		New:  func() task.Task { return &failTask{} },
	}
)

// gateTask runs until its gate is closed or it is halted.
type gateTask struct {
	task.Lifecycle
	Gate string `json:"gate"`
}

func newGateTask(name string) *gateTask {
	t := &gateTask{Gate: name}
	t.InitIdentity()
	return t
}

func (t *gateTask) Name() string                        { return "gate" }
func (t *gateTask) Kind() string                        { return gateKind.Name() }
func (t *gateTask) CompletionMode() task.CompletionMode { return task.CompletionSynchronous }
func (t *gateTask) Return() (*task.Return, error)       { return nil, nil }
func (t *gateTask) MarshalState() ([]byte, error)       { return json.Marshal(t) }
func (t *gateTask) UnmarshalState(b []byte) error       { return json.Unmarshal(b, t) }

func (t *gateTask) Start() error {
	ch := gate(t.Gate)
	return t.Launch(func(ctx context.Context) error {
		select {
		case <-ch:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// failTask stops with an error right away.
type failTask struct {
	task.Lifecycle
}

func (t *failTask) Name() string                        { return "fail" }
func (t *failTask) Kind() string                        { return failKind.Name() }
func (t *failTask) CompletionMode() task.CompletionMode { return task.CompletionSynchronous }
func (t *failTask) Return() (*task.Return, error)       { return nil, nil }
func (t *failTask) MarshalState() ([]byte, error)       { return json.Marshal(t) }
func (t *failTask) UnmarshalState(b []byte) error       { return json.Unmarshal(b, t) }

func (t *failTask) Start() error {
	return t.Launch(func(ctx context.Context) error {
		return errors.New("boom")
	})
}

func testKinds(t *testing.T, withBuiltin bool) *task.Kinds {
	t.Helper()
	ks := task.NewKinds()
	if withBuiltin {
		require.NoError(t, builtin.Register(ks))
	}
	require.NoError(t, ks.Register(gateKind))
	require.NoError(t, ks.Register(failKind))
	return ks
}

func testConfig() *config.ClusterConfig {
	cfg := config.DefaultConfig()
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.TransferTimeout = 5 * time.Second
	cfg.ScanTimeout = 500 * time.Millisecond
	cfg.MonitorInterval = 10 * time.Millisecond
	cfg.ReturnFailureRepeats = 1
	return cfg
}

// countingListener counts accepted connections.
type countingListener struct {
	net.Listener
	accepted atomic.Int32
}

func (l *countingListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err == nil {
		l.accepted.Add(1)
	}
	return c, err
}

type testNode struct {
	*Manager
	addr string
	ln   *countingListener
}

func startNode(t *testing.T, cfg *config.ClusterConfig, kinds *task.Kinds, opts ...Option) *testNode {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	cl := &countingListener{Listener: ln}

	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	m := NewManager(cfg, kinds, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		m.Serve(ctx, cl)
	}()

	t.Cleanup(func() {
		m.StopAccepting()
		m.HaltAll()
		cancel()
		<-served
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer waitCancel()
		m.Wait(waitCtx)
	})

	node := &testNode{Manager: m, addr: ln.Addr().String(), ln: cl}
	require.Eventually(t, func() bool { return m.Self() == node.addr }, time.Second, 5*time.Millisecond)
	return node
}

// fakeLAN dials net.Pipe connections served by responder for the hosts in
// up; every other address fails like an unreachable host.
type fakeLAN struct {
	responder *Manager
	up        map[string]bool

	mu     sync.Mutex
	dialed []string
}

func (f *fakeLAN) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dialed = append(f.dialed, address)
	f.mu.Unlock()

	if !f.up[address] {
		return nil, &net.OpError{Op: "dial", Net: network, Err: errors.New("no route to host")}
	}
	client, server := net.Pipe()
	go f.responder.handleConn(context.Background(), server)
	return client, nil
}

func (f *fakeLAN) Dialed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.dialed...)
}
