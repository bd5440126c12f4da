package cluster

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// ShutdownManager handles the graceful shutdown sequence for a node
type ShutdownManager struct {
	manager        *Manager
	server         *http.Server
	heartbeat      *Heartbeat
	logger         *zap.Logger
	timeout        time.Duration
	mu             sync.Mutex
	isShuttingDown bool
}

// NewShutdownManager creates a new ShutdownManager instance. server and
// heartbeat may be nil.
func NewShutdownManager(manager *Manager, server *http.Server, heartbeat *Heartbeat, logger *zap.Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShutdownManager{
		manager:   manager,
		server:    server,
		heartbeat: heartbeat,
		logger:    logger,
		timeout:   timeout,
	}
}

// Shutdown performs a graceful shutdown of the node
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.isShuttingDown {
		sm.mu.Unlock()
		return errors.New("shutdown already in progress")
	}
	sm.isShuttingDown = true
	sm.mu.Unlock()

	sm.logger.Info("Starting graceful shutdown sequence")

	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var wg sync.WaitGroup

	// Step 1: Stop the admin API
	if sm.server != nil {
		sm.logger.Info("Stopping HTTP server")
		serverCtx, serverCancel := context.WithTimeout(ctx, 5*time.Second)
		defer serverCancel()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sm.server.Shutdown(serverCtx); err != nil {
				sm.logger.Error("Error shutting down HTTP server", zap.Error(err))
			}
		}()
	}

	// Step 2: Stop background peer upkeep
	if sm.heartbeat != nil {
		sm.heartbeat.Stop()
	}

	// Step 3: Refuse new cluster connections
	sm.logger.Info("Closing cluster listener")
	sm.manager.StopAccepting()

	// Step 4: Let running tasks finish within half the budget, then halt the rest
	drainCtx, drainCancel := context.WithTimeout(ctx, sm.timeout/2)
	defer drainCancel()
	if err := sm.manager.WaitIdle(drainCtx); err != nil {
		halted := sm.manager.HaltAll()
		sm.logger.Warn("Halting tasks still running", zap.Int("tasks", halted))
	}

	// Step 5: Wait for every connection to be released
	if err := sm.manager.Wait(ctx); err != nil {
		sm.logger.Warn("Timed out waiting for connections", zap.Error(err))
	}

	waitCh := make(chan struct{})
	go func() {
		wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		sm.logger.Info("Graceful shutdown completed successfully")
		return nil
	case <-ctx.Done():
		sm.logger.Warn("Graceful shutdown timed out, forcing exit")
		return ctx.Err()
	}
}
