package cluster

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arohanajit/Distributed-Compute/internal/metrics"
	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/wire"
)

// maxReceiptLines bounds the task output kept on a Receipt.
const maxReceiptLines = 1000

// QueueTask sends t to the best ranked peer, then re-pings that peer and
// re-ranks it with the fresh latency.
func (m *Manager) QueueTask(ctx context.Context, t task.Task, priority task.Priority) (*Receipt, error) {
	peer, ok := m.directory.Select()
	if !ok {
		m.metrics.RecordDispatch(metrics.OutcomeNoPeers, 0)
		return nil, ErrNoPeers
	}

	receipt, err := m.Dispatch(ctx, peer.Address, t, priority)

	latency := m.Ping(context.WithoutCancel(ctx), peer.Address)
	m.directory.Refresh(peer.Address, latency)
	return receipt, err
}

// Dispatch sends t to the peer at addr and blocks until the peer reports
// completion. For asynchronous tasks completion does not imply the Return
// has arrived; it is delivered to the process registry separately.
func (m *Manager) Dispatch(ctx context.Context, addr string, t task.Task, priority task.Priority) (*Receipt, error) {
	k, state, err := m.prepare(t)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	receipt, err := m.send(ctx, m.hostPort(addr), t, k, state, priority)
	m.recordDispatch(addr, t, err, time.Since(start))
	if err != nil && t.CompletionMode() == task.CompletionAsynchronous {
		m.processes.Unregister(t.ServiceID())
	}
	return receipt, err
}

// SendToAll sends a copy of t to every known peer concurrently. One peer
// failing does not stop delivery to the others.
func (m *Manager) SendToAll(ctx context.Context, t task.Task, priority task.Priority) BroadcastResult {
	peers := m.directory.List()
	result := make(BroadcastResult, len(peers))
	if len(peers) == 0 {
		return result
	}

	k, state, err := m.prepare(t)
	if err != nil {
		for _, p := range peers {
			result[p.Address] = err
		}
		return result
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, p := range peers {
		addr := p.Address
		g.Go(func() error {
			start := time.Now()
			_, err := m.send(ctx, addr, t, k, state, priority)
			m.recordDispatch(addr, t, err, time.Since(start))

			mu.Lock()
			result[addr] = err
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if t.CompletionMode() == task.CompletionAsynchronous && result.Failed() == len(result) {
		m.processes.Unregister(t.ServiceID())
	}
	return result
}

// prepare resolves the task's kind and serializes its state. Asynchronous
// tasks get this node as origin and are registered to receive their
// Return before anything is sent.
func (m *Manager) prepare(t task.Task) (*task.Kind, []byte, error) {
	k, ok := m.kinds.Lookup(t.Kind())
	if !ok {
		return nil, nil, errors.Wrapf(task.ErrUnknownUnit, "kind %s is not registered", t.Kind())
	}

	if t.CompletionMode() == task.CompletionAsynchronous {
		self := m.Self()
		if self == "" {
			return nil, nil, errors.New("asynchronous task needs an advertised address for its return")
		}
		t.SetOrigin(self)
		m.processes.Register(t)
	}

	state, err := t.MarshalState()
	if err != nil {
		if t.CompletionMode() == task.CompletionAsynchronous {
			m.processes.Unregister(t.ServiceID())
		}
		return nil, nil, errors.Wrapf(err, "serialize %s", t.Name())
	}
	return k, state, nil
}

func (m *Manager) send(ctx context.Context, addr string, t task.Task, k *task.Kind, state []byte, priority task.Priority) (*Receipt, error) {
	start := time.Now()
	receipt := &Receipt{
		Peer:      addr,
		ProcessID: t.UniqueID(),
		ServiceID: t.ServiceID(),
		Kind:      k.Name(),
	}

	c, err := m.dial(ctx, addr, m.cfg.HandshakeTimeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	defer m.release(c)
	stop := c.WatchContext(ctx)
	defer stop()

	if err := c.Initiate(); err != nil {
		return nil, err
	}
	c.SetTimeout(m.cfg.TransferTimeout)
	if err := c.WriteToken(wire.TokenPassive); err != nil {
		return nil, err
	}
	if err := c.Expect(wire.TokenReceivedAt); err != nil {
		return nil, errors.Wrapf(err, "%s refused submission", addr)
	}

	sent, err := m.offerUnit(c, k)
	receipt.CodeSent = sent
	if err != nil {
		return nil, err
	}

	if err := c.WriteInt(int64(len(state))); err != nil {
		return nil, err
	}
	if err := c.WriteInt(int64(priority.Ordinal())); err != nil {
		return nil, err
	}
	if err := c.SendChannel(state); err != nil {
		return nil, errors.Wrap(err, "send task state")
	}

	// RUNNING, or FAIL:<reason> as a RemoteError
	if _, err := c.ReadToken(); err != nil {
		return nil, err
	}

	// The task body has no deadline; ctx bounds the wait.
	c.SetTimeout(0)
	for {
		line, err := c.ReadLine()
		if err != nil {
			if ctx.Err() != nil {
				return receipt, ctx.Err()
			}
			return receipt, errors.Wrap(err, "waiting for completion")
		}

		if i := strings.Index(line, wire.CompletionPrefix); i >= 0 {
			if i > 0 {
				receipt.appendOutput(line[:i])
			}
			receipt.Duration = time.Since(start)
			if line[i:] == wire.TokenCompletionOK {
				return receipt, nil
			}
			return receipt, errors.Wrapf(ErrRemoteTaskFailed, "%s on %s", t.Name(), addr)
		}
		receipt.appendOutput(line)
	}
}

func (r *Receipt) appendOutput(line string) {
	if len(r.Output) < maxReceiptLines {
		r.Output = append(r.Output, line)
	}
}

func (m *Manager) recordDispatch(addr string, t task.Task, err error, elapsed time.Duration) {
	if err != nil {
		m.metrics.RecordDispatch(metrics.OutcomeFailure, elapsed)
		m.logger.Warn("Dispatch failed",
			zap.String("peer", addr),
			zap.String("task", t.Name()),
			zap.String("process_id", t.UniqueID()),
			zap.Error(err))
		return
	}
	m.metrics.RecordDispatch(metrics.OutcomeSuccess, elapsed)
	m.logger.Info("Dispatch completed",
		zap.String("peer", addr),
		zap.String("task", t.Name()),
		zap.String("process_id", t.UniqueID()),
		zap.Duration("elapsed", elapsed))
}
