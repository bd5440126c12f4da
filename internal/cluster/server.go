package cluster

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/wire"
)

// ErrServerClosed is returned by Serve after StopAccepting
var ErrServerClosed = errors.New("cluster server closed")

// ListenAndServe listens on the configured cluster port and serves
// connections until ctx is done or StopAccepting is called.
func (m *Manager) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(m.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "listen on port %d", m.cfg.Port)
	}
	return m.Serve(ctx, ln)
}

// Serve accepts connections on ln, one goroutine per connection.
func (m *Manager) Serve(ctx context.Context, ln net.Listener) error {
	m.srvMu.Lock()
	if m.closing {
		m.srvMu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	m.listeners[ln] = struct{}{}
	m.srvMu.Unlock()

	defer func() {
		m.srvMu.Lock()
		delete(m.listeners, ln)
		m.srvMu.Unlock()
		ln.Close()
	}()
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	m.setSelfFromListener(ln)
	m.logger.Info("Cluster listener started",
		zap.String("addr", ln.Addr().String()),
		zap.String("advertise", m.Self()))

	for {
		nc, err := ln.Accept()
		if err != nil {
			if m.isClosing() || ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		m.conns.Add(1)
		go func() {
			defer m.conns.Done()
			m.handleConn(ctx, nc)
		}()
	}
}

func (m *Manager) isClosing() bool {
	m.srvMu.Lock()
	defer m.srvMu.Unlock()
	return m.closing
}

// StopAccepting closes every listener. Connections already accepted keep
// running.
func (m *Manager) StopAccepting() {
	m.srvMu.Lock()
	defer m.srvMu.Unlock()
	m.closing = true
	for ln := range m.listeners {
		ln.Close()
	}
}

// Wait blocks until every accepted connection has been released or ctx is
// done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleConn runs the responder side of the handshake and dispatches on
// the role token. The connection is released on every path.
func (m *Manager) handleConn(ctx context.Context, nc net.Conn) {
	c := m.wrap(nc, m.cfg.HandshakeTimeout)
	defer m.release(c)
	remote := nc.RemoteAddr().String()

	first, err := c.Accept()
	if err != nil {
		m.logger.Debug("Handshake failed", zap.String("remote", remote), zap.Error(err))
		return
	}
	if first != wire.TokenReady {
		m.logger.Debug("Unexpected handshake line", zap.String("remote", remote), zap.String("line", first))
		return
	}

	role, err := c.ReadToken()
	if err != nil {
		m.logger.Debug("No role after handshake", zap.String("remote", remote), zap.Error(err))
		return
	}
	c.SetTimeout(m.cfg.TransferTimeout)

	switch role {
	case wire.TokenPing:
		m.metrics.RecordConnection(role)
		c.WriteToken(wire.TokenProbeAck)
	case wire.TokenPassive:
		m.metrics.RecordConnection(role)
		m.execute(ctx, c)
	case wire.TokenActive:
		m.metrics.RecordConnection(role)
		c.WriteToken(wire.TokenUnsupported)
	case wire.TokenReturn:
		m.metrics.RecordConnection(role)
		if err := m.receiveReturn(c); err != nil {
			m.metrics.RecordReturnDelivery("in", "failure")
			m.logger.Warn("Return delivery aborted", zap.String("remote", remote), zap.Error(err))
		}
	default:
		m.metrics.RecordConnection("unknown")
		m.logger.Warn("Unknown role", zap.String("remote", remote), zap.String("role", role))
		c.WriteToken(wire.FailToken("unknown role"))
	}
}

// refuse reports err to the peer as FAIL:<reason> unless the connection
// is out of sync, in which case it is just dropped.
func (m *Manager) refuse(c *wire.Conn, err error) {
	if errors.Is(err, wire.ErrDesync) || errors.Is(err, wire.ErrRemoteFailure) {
		return
	}
	if c.WriteToken(wire.FailToken(err.Error())) == nil {
		c.Drain(m.cfg.HandshakeTimeout)
	}
}

// receiveReturn handles the RET role: negotiate the return's unit, read the
// serialized return, require DONE and hand it to the process registry.
func (m *Manager) receiveReturn(c *wire.Conn) error {
	if err := c.WriteToken(wire.TokenReceivedAt); err != nil {
		return err
	}
	k, err := m.acceptUnit(c)
	if err != nil {
		m.refuse(c, err)
		return err
	}
	data, err := c.ReceiveChannel()
	if err != nil {
		return err
	}
	if err := c.Expect(wire.TokenDone); err != nil {
		return err
	}

	ret, err := task.DecodeReturn(data)
	if err != nil {
		return err
	}
	if ret.Kind != k.Name() {
		return errors.Newf("return of kind %s arrived with unit %s", ret.Kind, k.Name())
	}
	if err := m.processes.Deliver(ret); err != nil {
		return err
	}

	m.metrics.RecordReturnDelivery("in", "success")
	m.logger.Info("Return delivered",
		zap.String("process_id", ret.ProcessID),
		zap.String("service_id", ret.ServiceID),
		zap.String("kind", ret.Kind))
	return nil
}
