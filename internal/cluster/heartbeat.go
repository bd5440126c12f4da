package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultFailureThreshold = 5

// Heartbeat periodically re-pings every peer, refreshes its latency and
// prunes peers that missed too many consecutive pings.
type Heartbeat struct {
	manager   *Manager
	interval  time.Duration
	threshold int
	logger    *zap.Logger
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewHeartbeat creates a heartbeat monitor. An interval of zero or less
// disables the loop; a threshold of zero or less uses the default.
func NewHeartbeat(m *Manager, interval time.Duration, threshold int) *Heartbeat {
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &Heartbeat{
		manager:   m,
		interval:  interval,
		threshold: threshold,
		logger:    m.logger.Named("heartbeat"),
		stopChan:  make(chan struct{}),
	}
}

// Start runs heartbeat rounds until ctx is done or Stop is called
func (h *Heartbeat) Start(ctx context.Context) {
	if h.interval <= 0 {
		return
	}
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case <-ticker.C:
			h.checkAllPeers(ctx)
		}
	}
}

// Stop stops the heartbeat loop
func (h *Heartbeat) Stop() {
	h.stopOnce.Do(func() { close(h.stopChan) })
}

// checkAllPeers pings every peer once, then prunes those at the failure
// threshold. Returns the addresses removed.
func (h *Heartbeat) checkAllPeers(ctx context.Context) []string {
	m := h.manager
	peers := m.directory.List()

	var g errgroup.Group
	g.SetLimit(max(m.cfg.ScanParallelism, 1))
	for _, p := range peers {
		addr := p.Address
		g.Go(func() error {
			latency := m.Ping(ctx, addr)
			m.directory.Refresh(addr, latency)
			if latency < 0 {
				h.logger.Debug("Peer missed heartbeat", zap.String("peer", addr))
			}
			return nil
		})
	}
	g.Wait()

	removed := m.directory.PruneUnreachable(h.threshold)
	for _, addr := range removed {
		h.logger.Warn("Pruned unreachable peer",
			zap.String("peer", addr),
			zap.Int("threshold", h.threshold))
	}
	m.metrics.RecordPruned(len(removed))
	m.metrics.SetPeersTotal(m.directory.Len())
	return removed
}
