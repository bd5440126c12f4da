package cluster

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arohanajit/Distributed-Compute/internal/wire"
)

// Dialer opens outgoing connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Ping measures the handshake plus probe round trip to addr in
// milliseconds. It returns -1 on any failure, wrong answer or timeout.
func (m *Manager) Ping(ctx context.Context, addr string) int64 {
	return m.probe(ctx, addr, m.cfg.HandshakeTimeout)
}

func (m *Manager) probe(ctx context.Context, addr string, timeout time.Duration) int64 {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	c, err := m.dial(ctx, addr, timeout)
	if err != nil {
		m.metrics.ObservePing(0, false)
		return -1
	}
	defer m.release(c)
	stop := c.WatchContext(ctx)
	defer stop()

	err = c.Initiate()
	if err == nil {
		err = c.WriteToken(wire.TokenPing)
	}
	if err == nil {
		err = c.Expect(wire.TokenProbeAck)
	}
	if err != nil {
		m.logger.Debug("Ping failed", zap.String("peer", addr), zap.Error(err))
		m.metrics.ObservePing(0, false)
		return -1
	}

	elapsed := time.Since(start)
	m.metrics.ObservePing(elapsed, true)
	return elapsed.Milliseconds()
}

// CheckNodeAt reports whether addr answers the probe
func (m *Manager) CheckNodeAt(ctx context.Context, addr string) bool {
	return m.Ping(ctx, addr) >= 0
}

// AddNode pings addr and adds it to the directory when it answers.
// Reports whether the peer is in the directory afterwards.
func (m *Manager) AddNode(ctx context.Context, addr string) bool {
	addr = m.hostPort(addr)
	latency := m.Ping(ctx, addr)
	if latency < 0 {
		m.logger.Warn("Peer did not answer probe", zap.String("peer", addr))
		return false
	}
	if m.directory.Add(addr, latency) {
		m.logger.Info("Added peer", zap.String("peer", addr), zap.Int64("latency_ms", latency))
	}
	m.metrics.SetPeersTotal(m.directory.Len())
	return true
}

// ServiceScan probes every address of the configured template and range
// and adds each responder to the directory. Unreachable addresses are
// skipped silently. Returns the number of responders.
func (m *Manager) ServiceScan(ctx context.Context) int {
	lo, hi := m.cfg.IPScanRangeMin, m.cfg.IPScanRangeMax
	if lo > hi {
		lo, hi = 1, 253
	}
	self := m.Self()

	var g errgroup.Group
	g.SetLimit(max(m.cfg.ScanParallelism, 1))

	var found atomic.Int32
	for i := lo; i <= hi; i++ {
		if ctx.Err() != nil {
			break
		}
		addr := m.hostPort(m.cfg.ScanAddress(i))
		if addr == self {
			continue
		}
		g.Go(func() error {
			latency := m.probe(ctx, addr, m.cfg.ScanTimeout)
			if latency < 0 {
				return nil
			}
			found.Add(1)
			if m.directory.Add(addr, latency) {
				m.logger.Info("Discovered peer", zap.String("peer", addr), zap.Int64("latency_ms", latency))
			}
			return nil
		})
	}
	g.Wait()

	n := int(found.Load())
	m.metrics.RecordScan(n)
	m.metrics.SetPeersTotal(m.directory.Len())
	m.logger.Info("Service scan finished",
		zap.String("format", m.cfg.IPFormat),
		zap.Int("from", lo),
		zap.Int("to", hi),
		zap.Int("responders", n),
		zap.Int("peers", m.directory.Len()))
	return n
}
