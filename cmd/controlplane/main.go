// Command controlplane runs the GPU fleet control plane: the HTTP API,
// the Standby Manager's per-association sync/health/recovery loops, the
// Serverless Scheduler's idle-suspend loops, and the maintenance cron jobs,
// all sharing one Postgres pool, Redis cache, and event bus. Grounded on
// teacher-control-plane/cmd/server/main.go's wiring order.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dumontcloud/control-plane/internal/agentingress"
	"github.com/dumontcloud/control-plane/internal/billing"
	"github.com/dumontcloud/control-plane/internal/checkpoint"
	"github.com/dumontcloud/control-plane/internal/config"
	"github.com/dumontcloud/control-plane/internal/events"
	"github.com/dumontcloud/control-plane/internal/history"
	"github.com/dumontcloud/control-plane/internal/instance"
	"github.com/dumontcloud/control-plane/internal/maintenance"
	"github.com/dumontcloud/control-plane/internal/metrics"
	"github.com/dumontcloud/control-plane/internal/provider"
	"github.com/dumontcloud/control-plane/internal/region"
	"github.com/dumontcloud/control-plane/internal/repository"
	"github.com/dumontcloud/control-plane/internal/serverless"
	"github.com/dumontcloud/control-plane/internal/snapshot"
	"github.com/dumontcloud/control-plane/internal/sshexec"
	"github.com/dumontcloud/control-plane/internal/standby"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting GPU fleet control plane")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	db, err := repository.NewDB(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	cache, err := repository.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer cache.Close()
	logger.Info("connected to redis")

	bus := events.NewBus(logger)
	metrics.Subscribe(bus)
	logger.Info("initialized event bus")

	signer, err := loadSigner(cfg.Security.SSHPrivateKeyPath)
	if err != nil {
		logger.Fatal("failed to load ssh signer", zap.Error(err))
	}
	if cfg.Security.SSHPrivateKeyPath == "" {
		logger.Warn("no SSH_PRIVATE_KEY_PATH configured; generated an ephemeral key usable only against dev instances")
	}

	gpu := provider.NewGPUMarketClient(provider.GPUMarketConfig{
		BaseURL: cfg.GPUMarket.APIURL,
		APIKey:  cfg.GPUMarket.APIKey,
		Timeout: cfg.GPUMarket.RequestTimeout,
	}, logger)
	logger.Info("initialized gpu_market provider")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cpu, err := provider.NewStableCloudClient(ctx, provider.StableCloudConfig{
		Region:          cfg.StableCloud.Region,
		AccessKeyID:     cfg.StableCloud.AccessKeyID,
		SecretAccessKey: cfg.StableCloud.SecretAccessKey,
		CostPerHour:     cfg.StableCloud.CostPerHour,
	}, logger)
	if err != nil {
		logger.Fatal("failed to initialize stable_cloud provider", zap.Error(err))
	}
	logger.Info("initialized stable_cloud provider")

	historyRepo := repository.NewPGMachineHistoryRepo(db)
	historyEngine := history.NewEngine(historyRepo, logger)
	logger.Info("initialized machine history engine")

	var usageReporter billing.UsageReporter
	if cfg.Billing.Enabled {
		usageReporter = billing.NewStripeUsageReporter(cfg.Billing.StripeSecretKey, logger)
		logger.Info("initialized billing usage reporter")
	} else {
		logger.Warn("billing disabled via configuration; skipping Stripe initialization")
	}

	locator := &gpuInstanceLocator{gpu: gpu}
	resolver := region.NewResolver(region.NewIPInfoLocator())

	repoString := ""
	if cfg.ObjectStore.Endpoint != "" {
		repoString = fmt.Sprintf("s3:%s/%s/restic", cfg.ObjectStore.Endpoint, cfg.ObjectStore.Bucket)
	}
	snapshotEngine := snapshot.NewEngine(snapshot.Config{
		Repo:        repoString,
		Password:    cfg.Restic.Password,
		AccessKey:   cfg.ObjectStore.AccessKey,
		SecretKey:   cfg.ObjectStore.SecretKey,
		Connections: cfg.Restic.Connections,
	}, signer, sshexec.DefaultDialer, logger)
	logger.Info("initialized snapshot engine")

	checkpointEngine := checkpoint.NewEngine(signer, sshexec.DefaultDialer, checkpoint.R2Config{
		RemoteName: "r2",
		Bucket:     cfg.ObjectStore.Bucket,
	}, logger)
	logger.Info("initialized checkpoint engine")

	standbyRepo := repository.NewPGStandbyRepo(db)
	standbyCfg := standby.Config{
		AutoStandbyEnabled:  cfg.Standby.AutoStandbyEnabled,
		AutoFailover:        cfg.Standby.AutoFailover,
		AutoRecovery:        cfg.Standby.AutoRecovery,
		Zone:                cfg.StableCloud.Zone,
		MachineType:         cfg.StableCloud.MachineType,
		DiskSizeGB:          cfg.StableCloud.DiskSizeGB,
		BootImageFamily:     cfg.StableCloud.BootImageFamily,
		SyncInterval:        cfg.Standby.SyncInterval,
		HealthCheckInterval: cfg.Standby.HealthCheckInterval,
		FailoverThreshold:   cfg.Standby.FailoverThreshold,
		ShellReadyTimeout:   cfg.Standby.ShellReadyTimeout,
		RecoveryAttempts:    cfg.Recovery.Attempts,
		RecoveryBackoff:     cfg.Recovery.Backoff,
		RecoveryMinVRAMGB:   cfg.Recovery.MinVRAMGB,
		RecoveryMaxPrice:    cfg.Recovery.MaxPrice,
		RecoveryRegions:     cfg.Recovery.Regions,
	}
	healthChecker := &sshHealthChecker{dialer: sshexec.DefaultDialer, signer: signer, timeout: cfg.Standby.ShellReadyTimeout}
	standbyMgr := standby.NewManager(standbyCfg, cpu, gpu, healthChecker, standbyRepo, resolver, signer, bus, logger)
	standbyMgr.SetHistory(historyEngine)
	logger.Info("initialized standby manager")

	instanceSvc := instance.NewService(gpu, historyEngine, usageReporter, standbyMgr, logger)
	logger.Info("initialized instance service")

	serverlessRepo := repository.NewPGServerlessRepo(db)
	repoAdapter := &serverlessRepoAdapter{repo: serverlessRepo}
	fallback := serverless.NewFallbackOrchestrator(
		gpu,
		&snapshotSourceAdapter{engine: snapshotEngine, locator: locator},
		&diskLocatorAdapter{repo: serverlessRepo},
		locator,
		cfg.StableCloud.CostPerHour,
	)
	serverlessScheduler := serverless.NewScheduler(
		gpu, repoAdapter, checkpointEngine, locator, fallback, bus, logger,
		cfg.Serverless.CheckInterval, cfg.Serverless.MinRuntime, cfg.Serverless.SSHVerifyTimeout,
		cfg.Serverless.AutoDestroyInterval, cfg.Serverless.DestroyAfterHoursPaused,
	)
	logger.Info("initialized serverless scheduler")

	ingress := agentingress.New(standbyMgr, serverlessScheduler, logger)
	ingressHandler := agentingress.NewHandler(ingress, logger)
	logger.Info("initialized agent ingress")

	maintenanceScheduler := maintenance.NewScheduler(maintenance.Config{
		BlacklistSweepSchedule:    cfg.Maintenance.BlacklistSweepSchedule,
		SnapshotRetentionSchedule: cfg.Maintenance.SnapshotRetentionSchedule,
		SnapshotKeepLast:          cfg.Maintenance.SnapshotKeepLast,
	}, historyEngine, snapshotEngine, &gpuInstanceSource{gpu: gpu}, logger)

	serverlessScheduler.Start(ctx)
	logger.Info("started serverless scheduler loops")

	if err := maintenanceScheduler.Start(ctx); err != nil {
		logger.Fatal("failed to start maintenance scheduler", zap.Error(err))
	}
	logger.Info("started maintenance scheduler")

	userRepo, err := repository.NewFileUserRepo(cfg.Security.UsersFilePath)
	if err != nil {
		logger.Fatal("failed to open users file", zap.Error(err))
	}
	logger.Info("opened user/settings store", zap.String("path", cfg.Security.UsersFilePath))

	admin := newAdminAPI(instanceSvc, userRepo, cfg.Security.AdminAPIToken, logger)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/agent/status", ingressHandler.ServeStatus)
	admin.mount(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting http server", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new heartbeats and background work before the HTTP
	// server drains in-flight requests (§5 shutdown sequence).
	serverlessScheduler.Stop()
	maintenanceScheduler.Stop()
	cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
