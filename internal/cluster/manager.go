package cluster

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arohanajit/Distributed-Compute/internal/codecache"
	"github.com/arohanajit/Distributed-Compute/internal/config"
	"github.com/arohanajit/Distributed-Compute/internal/metrics"
	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/wire"
)

// ClusterManager interface defines the operations the admin API drives
type ClusterManager interface {
	Peers() []Peer
	Peer(addr string) (Peer, bool)
	AddNode(ctx context.Context, addr string) bool
	RemovePeer(addr string) bool
	Ping(ctx context.Context, addr string) int64
	ServiceScan(ctx context.Context) int
	QueueTask(ctx context.Context, t task.Task, priority task.Priority) (*Receipt, error)
	SendToAll(ctx context.Context, t task.Task, priority task.Priority) BroadcastResult
	ActiveTasks() []ActiveTask
	CacheStats() codecache.Stats
	PendingReturns() int
	Kinds() []string
}

// Manager owns one node's peer directory, code cache, running task records
// and the process registry that receives returns.
type Manager struct {
	cfg       *config.ClusterConfig
	logger    *zap.Logger
	metrics   *metrics.PrometheusMetrics
	dialer    Dialer
	directory *Directory
	cache     *codecache.Cache
	kinds     *task.Kinds
	processes *task.Processes

	selfMu sync.RWMutex
	self   string

	// executor state
	execMu   sync.Mutex
	admitted int
	active   map[*record]struct{}

	// server state
	srvMu     sync.Mutex
	listeners map[net.Listener]struct{}
	closing   bool
	conns     sync.WaitGroup
}

// Option configures a Manager
type Option func(*Manager)

// WithDialer replaces the TCP dialer used for every outgoing connection
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(pm *metrics.PrometheusMetrics) Option {
	return func(m *Manager) { m.metrics = pm }
}

// WithAdvertiseAddr sets the host:port peers use to deliver returns here
func WithAdvertiseAddr(addr string) Option {
	return func(m *Manager) { m.self = addr }
}

// WithProcesses shares a process registry with other components
func WithProcesses(p *task.Processes) Option {
	return func(m *Manager) { m.processes = p }
}

// NewManager creates a Manager. kinds must hold every task kind this node
// can execute or dispatch.
func NewManager(cfg *config.ClusterConfig, kinds *task.Kinds, opts ...Option) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := &Manager{
		cfg:       cfg,
		logger:    zap.NewNop(),
		dialer:    &net.Dialer{},
		directory: NewDirectory(),
		cache:     codecache.New(cfg.CodeCacheSize),
		kinds:     kinds,
		processes: task.NewProcesses(),
		active:    make(map[*record]struct{}),
		listeners: make(map[net.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("cluster")
	if m.self == "" && cfg.AdvertiseHost != "" {
		m.self = m.hostPort(cfg.AdvertiseHost)
	}
	return m
}

// Self returns the advertised address of this node
func (m *Manager) Self() string {
	m.selfMu.RLock()
	defer m.selfMu.RUnlock()
	return m.self
}

func (m *Manager) setSelfFromListener(ln net.Listener) {
	m.selfMu.Lock()
	defer m.selfMu.Unlock()
	if m.self != "" {
		return
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok && !tcp.IP.IsUnspecified() {
		m.self = tcp.String()
		return
	}
	if host := outboundHost(); host != "" {
		m.self = m.hostPort(host)
	}
}

// outboundHost returns the first non-loopback IPv4 address of this machine.
func outboundHost() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return ipnet.IP.String()
		}
	}
	return ""
}

// hostPort appends the cluster port to addresses that carry none.
func (m *Manager) hostPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(m.cfg.Port))
}

// dial opens a wire connection to addr with the given per-operation timeout.
func (m *Manager) dial(ctx context.Context, addr string, timeout time.Duration) (*wire.Conn, error) {
	dctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	nc, err := m.dialer.DialContext(dctx, "tcp", m.hostPort(addr))
	if err != nil {
		return nil, err
	}
	return m.wrap(nc, timeout), nil
}

func (m *Manager) wrap(nc net.Conn, timeout time.Duration) *wire.Conn {
	c := wire.NewConn(nc, timeout)
	c.SetMaxTransfer(m.cfg.MaxTransferBytes)
	return c
}

// release closes c and accounts its channel traffic.
func (m *Manager) release(c *wire.Conn) {
	st := c.Stats()
	m.metrics.AddChannelBytes("sent", st.BytesSent)
	m.metrics.AddChannelBytes("received", st.BytesReceived)
	c.Close()
}

// Peers returns the directory in rank order
func (m *Manager) Peers() []Peer {
	return m.directory.List()
}

// Peer returns one directory entry
func (m *Manager) Peer(addr string) (Peer, bool) {
	return m.directory.Get(m.hostPort(addr))
}

// RemovePeer prunes a peer from the directory
func (m *Manager) RemovePeer(addr string) bool {
	ok := m.directory.Remove(m.hostPort(addr))
	if ok {
		m.metrics.RecordPruned(1)
		m.metrics.SetPeersTotal(m.directory.Len())
		m.logger.Info("Removed peer", zap.String("peer", m.hostPort(addr)))
	}
	return ok
}

// Directory exposes the ranked peer set
func (m *Manager) Directory() *Directory {
	return m.directory
}

// Processes exposes the registry of tasks waiting for returns
func (m *Manager) Processes() *task.Processes {
	return m.processes
}

// CacheStats returns the code cache counters
func (m *Manager) CacheStats() codecache.Stats {
	return m.cache.Stats()
}

// Kinds lists the task kinds this node can run
func (m *Manager) Kinds() []string {
	return m.kinds.Names()
}

// PendingReturns returns the number of local tasks waiting for a return
func (m *Manager) PendingReturns() int {
	return m.processes.Len()
}

// PeerCount implements metrics.ClusterSource
func (m *Manager) PeerCount() int {
	return m.directory.Len()
}

// ActiveTaskCount implements metrics.ClusterSource
func (m *Manager) ActiveTaskCount() int {
	m.execMu.Lock()
	defer m.execMu.Unlock()
	return len(m.active)
}

// CacheSnapshot implements metrics.ClusterSource
func (m *Manager) CacheSnapshot() metrics.CacheSnapshot {
	st := m.cache.Stats()
	return metrics.CacheSnapshot{
		Size:      st.Size,
		Hits:      st.Hits,
		Misses:    st.Misses,
		Evictions: st.Evictions,
		Realized:  st.Realized,
	}
}
