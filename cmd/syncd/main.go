package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mlammarsch/FinWise-0.4-Backend/internal/config"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/handler"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/health"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/metrics"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/service"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/store"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/util/workerpool"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/validation"
	"github.com/mlammarsch/FinWise-0.4-Backend/internal/ws"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting FinWise sync backend")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("server_host", cfg.Server.Host),
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("admin_port", cfg.Admin.Port),
		zap.String("metadata_host", cfg.Metadata.Host),
		zap.String("metadata_database", cfg.Metadata.Database),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.String("tenant_data_dir", cfg.TenantData.Dir))

	m := metrics.NewMetrics()
	logger.Info("Metrics initialized")

	// Metadata store (PostgreSQL)
	metadataStore, err := store.NewPostgresSyncStore(
		cfg.Metadata.Host,
		cfg.Metadata.Port,
		cfg.Metadata.Database,
		cfg.Metadata.User,
		cfg.Metadata.Password,
		cfg.Metadata.MaxConnections,
		cfg.Metadata.MinConnections,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to initialize metadata store", zap.Error(err))
	}
	if err := metadataStore.EnsureSchema(context.Background()); err != nil {
		logger.Fatal("Failed to ensure metadata schema", zap.Error(err))
	}
	logger.Info("Metadata store initialized")

	// Checkpoint store: Redis when enabled, in-memory otherwise
	var checkpointStore store.CheckpointStore
	if cfg.Redis.Enabled {
		checkpointStore, err = store.NewRedisCheckpointStore(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			logger,
		)
		if err != nil {
			logger.Fatal("Failed to initialize checkpoint store", zap.Error(err))
		}
		logger.Info("Checkpoint store initialized", zap.String("backend", "redis"))
	} else {
		checkpointStore = store.NewMemoryCheckpointStore()
		logger.Info("Checkpoint store initialized", zap.String("backend", "memory"))
	}

	cache := store.NewInMemoryCache(1024, logger)
	logger.Info("Cache initialized")

	// Services
	tenantService := service.NewTenantService(metadataStore, cache, 5*time.Minute, logger)
	tenantRouter := store.NewTenantRouter(tenantService, cfg.TenantData.Dir, cfg.TenantData.BusyTimeout, logger)

	statusPool := workerpool.NewWorkerPool(&workerpool.Config{
		Name:       "status",
		MaxWorkers: cfg.Sync.StatusWorkers,
		QueueSize:  cfg.Sync.StatusQueueSize,
		Logger:     logger,
	})

	validator := validation.NewValidator()
	checksumService := service.NewChecksumService(statusPool, logger)
	resolverService := service.NewResolverService(metadataStore, m, logger)
	queueProcessor := service.NewQueueProcessor(
		tenantRouter,
		metadataStore,
		checkpointStore,
		resolverService,
		validator,
		cfg.Sync.EntryCacheTTL,
		m,
		logger,
	)

	registry := ws.NewRegistry(m, logger)
	syncEngine := service.NewSyncEngine(
		queueProcessor,
		checksumService,
		tenantRouter,
		checkpointStore,
		registry,
		logger,
	)
	logger.Info("All services initialized")

	// Metrics server
	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
			logger.Info("Starting metrics server", zap.String("address", addr))
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	// Admin API server (also serves health probes)
	adminHandlers := handler.NewAdminHandlers(
		tenantService,
		checksumService,
		resolverService,
		tenantRouter,
		metadataStore,
		registry,
		syncEngine,
		m,
		logger,
	)
	healthChecker := health.NewHealthChecker(metadataStore, checkpointStore, tenantRouter, logger)

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/health/live", healthChecker.LivenessHandler)
	adminMux.HandleFunc("/health/ready", healthChecker.ReadinessHandler)
	adminMux.Handle("/admin/", adminHandlers.Router(cfg.Admin.RateLimit, cfg.Admin.RateBurst))

	adminServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Admin.Port),
		Handler:      adminMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		logger.Info("Starting admin server", zap.String("address", adminServer.Addr))
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Admin server failed", zap.Error(err))
		}
	}()

	// Inactivity sweeper
	sweeperStop := make(chan struct{})
	go registry.StartSweeper(sweeperStop, cfg.Sync.SweepInterval, cfg.Sync.InactivityTimeout)
	logger.Info("Started inactivity sweeper",
		zap.Duration("interval", cfg.Sync.SweepInterval),
		zap.Duration("timeout", cfg.Sync.InactivityTimeout))

	// WebSocket server
	wsServer := ws.NewServer(cfg, registry, syncEngine, tenantService, validator, m, logger)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- wsServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("Server error", zap.Error(err))
	case sig := <-sigChan:
		logger.Info("Received signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	logger.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	close(sweeperStop)

	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("WebSocket server shutdown failed", zap.Error(err))
	}
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Admin server shutdown failed", zap.Error(err))
	}
	if err := statusPool.Stop(10 * time.Second); err != nil {
		logger.Warn("Worker pool stop failed", zap.Error(err))
	}
	if err := tenantRouter.Close(); err != nil {
		logger.Warn("Tenant router close failed", zap.Error(err))
	}
	if err := checkpointStore.Close(); err != nil {
		logger.Warn("Checkpoint store close failed", zap.Error(err))
	}
	metadataStore.Close()

	logger.Info("Shutdown complete")
}
