package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arohanajit/Distributed-Compute/internal/api/rest"
	"github.com/arohanajit/Distributed-Compute/internal/cluster"
	"github.com/arohanajit/Distributed-Compute/internal/config"
	"github.com/arohanajit/Distributed-Compute/internal/metrics"
	"github.com/arohanajit/Distributed-Compute/internal/task"
	"github.com/arohanajit/Distributed-Compute/internal/task/builtin"
)

const (
	defaultConfigPath = "cluster.conf"
	shutdownTimeout   = 30 * time.Second // Default timeout for graceful shutdown
)

func main() {
	configPath := flag.String("config", envOr("CLUSTER_CONFIG", defaultConfigPath), "path to the key:value config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize logger
	if err := config.InitLogger(); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := config.GetLogger()
	defer config.Sync()

	kinds := task.NewKinds()
	if err := builtin.Register(kinds); err != nil {
		logger.Fatal("Failed to register task kinds", zap.Error(err))
	}

	pm := metrics.GetMetrics()
	manager := cluster.NewManager(cfg, kinds,
		cluster.WithLogger(logger),
		cluster.WithMetrics(pm))
	if err := metrics.NewClusterMetricsCollector(manager).Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("Failed to register cluster state collector", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cluster listener
	go func() {
		if err := manager.ListenAndServe(ctx); err != nil && err != cluster.ErrServerClosed {
			logger.Fatal("Cluster listener failed", zap.Error(err), zap.Int("port", cfg.Port))
		}
	}()

	if cfg.ScanOnStart {
		go func() {
			found := manager.ServiceScan(ctx)
			logger.Info("Initial scan finished", zap.Int("peers", found))
		}()
	}

	heartbeat := cluster.NewHeartbeat(manager, cfg.HeartbeatInterval, cfg.PeerFailureThreshold)
	go heartbeat.Start(ctx)

	server := &http.Server{
		Addr:        cfg.HTTPAddr,
		Handler:     rest.NewRouter(manager, builtin.New, logger, pm),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: task submissions block until the peer completes
	}

	shutdownMgr := cluster.NewShutdownManager(manager, server, heartbeat, logger, shutdownTimeout)

	// Setup signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start admin server", zap.Error(err))
		}
	}()

	logger.Info("Node started",
		zap.Int("cluster_port", cfg.Port),
		zap.String("admin_addr", cfg.HTTPAddr),
		zap.Strings("kinds", kinds.Names()))

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := shutdownMgr.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		cancel()
		config.Sync()
		os.Exit(1)
	}

	logger.Info("Node shutdown completed")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
