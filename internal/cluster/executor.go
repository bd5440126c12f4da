package cluster

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/arohanajit/Distributed-Compute/internal/metrics"
	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/wire"
)

var errHalted = errors.New("task halted by shutdown")

// record is a running task held in the active set
type record struct {
	task     task.Task
	kind     *task.Kind
	conn     *wire.Conn
	origin   string
	remote   string
	priority task.Priority
	started  time.Time

	halted  atomic.Bool
	release func()
}

// admit reserves an execution slot. Check and increment share one
// critical section so the limit cannot be overrun.
func (m *Manager) admit() (func(), bool) {
	m.execMu.Lock()
	defer m.execMu.Unlock()

	if m.admitted >= m.cfg.ConnectionLimit {
		return nil, false
	}
	m.admitted++

	var once sync.Once
	return func() {
		once.Do(func() {
			m.execMu.Lock()
			defer m.execMu.Unlock()
			if m.admitted > 0 {
				m.admitted--
			}
		})
	}, true
}

func (m *Manager) track(rec *record) {
	m.execMu.Lock()
	m.active[rec] = struct{}{}
	n := len(m.active)
	m.execMu.Unlock()
	m.metrics.SetActiveTasks(n)
}

// finish removes rec from the active set and frees its slot.
func (m *Manager) finish(rec *record) {
	m.execMu.Lock()
	delete(m.active, rec)
	n := len(m.active)
	m.execMu.Unlock()
	m.metrics.SetActiveTasks(n)
	rec.release()
}

// execute handles the PASSIVE role: admission, code realization, state
// transfer, then monitoring until completion.
func (m *Manager) execute(ctx context.Context, c *wire.Conn) {
	remote := c.RemoteAddr().String()

	release, ok := m.admit()
	if !ok {
		m.metrics.RecordAdmissionRejection()
		m.logger.Warn("Connection limit reached, refusing submission",
			zap.String("remote", remote),
			zap.Int("limit", m.cfg.ConnectionLimit))
		return
	}
	defer release()

	rec, err := m.receiveTask(c)
	if err != nil {
		m.logger.Warn("Submission rejected", zap.String("remote", remote), zap.Error(err))
		m.refuse(c, err)
		return
	}
	rec.remote = remote
	rec.release = release

	if err := c.WriteToken(wire.TokenRunning); err != nil {
		m.logger.Warn("Lost submitter before start", zap.String("remote", remote), zap.Error(err))
		return
	}
	m.track(rec)
	defer m.finish(rec)

	m.logger.Info("Task accepted",
		zap.String("task", rec.task.Name()),
		zap.String("process_id", rec.task.UniqueID()),
		zap.String("priority", rec.priority.String()),
		zap.String("origin", rec.origin))
	m.monitor(ctx, rec)
}

func (m *Manager) receiveTask(c *wire.Conn) (*record, error) {
	if err := c.WriteToken(wire.TokenReceivedAt); err != nil {
		return nil, err
	}
	k, err := m.acceptUnit(c)
	if err != nil {
		return nil, err
	}

	size, err := c.ReadInt()
	if err != nil {
		return nil, err
	}
	ordinal, err := c.ReadInt()
	if err != nil {
		return nil, err
	}
	priority, err := task.PriorityFromOrdinal(int(ordinal))
	if err != nil {
		return nil, errors.Mark(err, wire.ErrDesync)
	}
	state, err := c.ReceiveChannel()
	if err != nil {
		return nil, err
	}
	if int64(len(state)) != size {
		return nil, errors.Wrapf(wire.ErrDesync, "state announced %d bytes, got %d", size, len(state))
	}

	t, err := k.Instantiate(state)
	if err != nil {
		return nil, err
	}
	t.ReInitialize()
	t.SetOutput(c.Writer())
	t.SetInput(c.Reader())

	origin := t.Origin()
	if origin == "" {
		if host, _, err := net.SplitHostPort(c.RemoteAddr().String()); err == nil {
			origin = net.JoinHostPort(host, strconv.Itoa(m.cfg.Port))
		}
	}

	return &record{
		task:     t,
		kind:     k,
		conn:     c,
		origin:   origin,
		priority: priority,
		started:  time.Now(),
	}, nil
}

// monitor starts the task if needed and polls it until it stops.
func (m *Manager) monitor(ctx context.Context, rec *record) {
	t := rec.task
	if !t.IsRunning() {
		if err := t.Start(); err != nil && !errors.Is(err, task.ErrAlreadyRunning) {
			m.fail(rec, err)
			return
		}
	}

	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for t.IsRunning() {
		select {
		case <-ctx.Done():
			m.fail(rec, ctx.Err())
			return
		case <-ticker.C:
		}
	}

	if rec.halted.Load() {
		m.fail(rec, errHalted)
		return
	}
	if err := t.Err(); err != nil {
		m.fail(rec, err)
		return
	}
	m.complete(ctx, rec)
}

// fail halts the task, drops its record and reports failure to the
// submitter.
func (m *Manager) fail(rec *record, cause error) {
	rec.task.Halt()
	m.finish(rec)
	m.metrics.RecordTaskCompletion(rec.task.CompletionMode().String(), metrics.OutcomeFailure)
	m.logger.Error("Task failed",
		zap.String("task", rec.task.Name()),
		zap.String("process_id", rec.task.UniqueID()),
		zap.Error(cause))
	rec.conn.WriteToken(wire.TokenCompletionFail)
}

func (m *Manager) complete(ctx context.Context, rec *record) {
	mode := rec.task.CompletionMode()
	if mode == task.CompletionAsynchronous {
		m.returnToOrigin(ctx, rec)
	}

	m.finish(rec)
	m.metrics.RecordTaskCompletion(mode.String(), metrics.OutcomeSuccess)
	m.logger.Info("Task completed",
		zap.String("task", rec.task.Name()),
		zap.String("process_id", rec.task.UniqueID()),
		zap.String("mode", mode.String()),
		zap.Duration("elapsed", time.Since(rec.started)))
	rec.conn.WriteToken(wire.TokenCompletionOK)
}

// returnToOrigin delivers the task's Return on a new connection. Failure
// is not retried; the result is lost and reported as such.
func (m *Manager) returnToOrigin(ctx context.Context, rec *record) {
	ret, err := rec.task.Return()
	if err == nil && ret == nil {
		err = errors.New("asynchronous task produced no return")
	}
	if err == nil {
		err = m.deliverReturn(ctx, rec.origin, rec.kind, ret)
	}
	if err == nil {
		m.metrics.RecordReturnDelivery("out", metrics.OutcomeSuccess)
		return
	}

	m.metrics.RecordReturnDelivery("out", metrics.OutcomeFailure)
	for i := 1; i <= m.cfg.ReturnFailureRepeats; i++ {
		m.logger.Error("SEVERE: return delivery failed, result lost",
			zap.String("task", rec.task.Name()),
			zap.String("process_id", rec.task.UniqueID()),
			zap.String("service_id", rec.task.ServiceID()),
			zap.String("origin", rec.origin),
			zap.Int("report", i),
			zap.Error(err))
	}
}

func (m *Manager) deliverReturn(ctx context.Context, origin string, fallback *task.Kind, ret *task.Return) error {
	if origin == "" {
		return errors.New("task has no origin")
	}
	k, ok := m.kinds.Lookup(ret.Kind)
	if !ok {
		k = fallback
	}
	data, err := task.EncodeReturn(ret)
	if err != nil {
		return err
	}

	c, err := m.dial(ctx, origin, m.cfg.HandshakeTimeout)
	if err != nil {
		return errors.Wrapf(err, "dial origin %s", origin)
	}
	defer m.release(c)
	stop := c.WatchContext(ctx)
	defer stop()

	if err := c.Initiate(); err != nil {
		return err
	}
	c.SetTimeout(m.cfg.TransferTimeout)
	if err := c.WriteToken(wire.TokenReturn); err != nil {
		return err
	}
	if err := c.Expect(wire.TokenReceivedAt); err != nil {
		return err
	}
	if _, err := m.offerUnit(c, k); err != nil {
		return err
	}
	if err := c.SendChannel(data); err != nil {
		return err
	}
	return c.WriteToken(wire.TokenDone)
}

// ActiveTasks returns a snapshot of the running task records, oldest first
func (m *Manager) ActiveTasks() []ActiveTask {
	m.execMu.Lock()
	recs := make([]*record, 0, len(m.active))
	for rec := range m.active {
		recs = append(recs, rec)
	}
	m.execMu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].started.Before(recs[j].started) })
	out := make([]ActiveTask, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ActiveTask{
			ProcessID: rec.task.UniqueID(),
			ServiceID: rec.task.ServiceID(),
			Name:      rec.task.Name(),
			Kind:      rec.kind.Name(),
			Mode:      rec.task.CompletionMode().String(),
			Priority:  rec.priority.String(),
			Origin:    rec.origin,
			Remote:    rec.remote,
			StartedAt: rec.started,
		})
	}
	return out
}

// HaltAll asks every running task to stop. Their submitters are told the
// task failed.
func (m *Manager) HaltAll() int {
	m.execMu.Lock()
	recs := make([]*record, 0, len(m.active))
	for rec := range m.active {
		recs = append(recs, rec)
	}
	m.execMu.Unlock()

	for _, rec := range recs {
		rec.halted.Store(true)
		rec.task.Halt()
	}
	return len(recs)
}

// WaitIdle blocks until no task is running or ctx is done.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for m.ActiveTaskCount() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
