// Package main is the entry point for the EdgeGate run worker. It
// consumes queued runs, drives them through the device cloud, and
// sweeps abandoned runs to a terminal state.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/database"
	"github.com/edgegate/edgegate/internal/devicecloud"
	"github.com/edgegate/edgegate/internal/engine"
	"github.com/edgegate/edgegate/internal/kms"
	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/queue"
	"github.com/edgegate/edgegate/internal/repository"
	"github.com/edgegate/edgegate/internal/service"
	"github.com/edgegate/edgegate/internal/storage"
)

// sweepInterval is how often the stale-run sweeper and nonce reaper
// fire between startup sweeps.
const sweepInterval = time.Minute

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.Info("Starting EdgeGate worker",
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.String("queue", cfg.Worker.QueueName),
	)

	clock := clockwork.NewRealClock()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()

	masterKey, err := config.DecodeMasterKey(cfg.Security.MasterKey)
	if err != nil {
		log.Fatalf("Failed to decode master key: %v", err)
	}
	keyService, err := kms.New(masterKey, cfg.Security.SigningKeysDir, clock)
	if err != nil {
		log.Fatalf("Failed to initialize key service: %v", err)
	}

	backend, err := newStorageBackend(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize storage backend: %v", err)
	}

	pool := db.Pool()
	artifactRepo := repository.NewArtifactRepository(pool)
	integrationRepo := repository.NewIntegrationRepository(pool)
	promptPackRepo := repository.NewPromptPackRepository(pool)
	pipelineRepo := repository.NewPipelineRepository(pool)
	runRepo := repository.NewRunRepository(pool)
	nonceRepo := repository.NewNonceRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	enforcer := limits.NewEnforcer(cfg.Limits)
	runQueue := queue.New(rdb.Client(), cfg.Worker.QueueName)

	var cloud devicecloud.Factory
	if cfg.DeviceCloud.Mock {
		mock := devicecloud.NewMock()
		cloud = func(token string) devicecloud.Client { return mock }
		logger.Warn("Device cloud mock enabled; runs will not leave this process")
	} else {
		cloud = devicecloud.NewFactory(cfg.DeviceCloud.BaseURL, cfg.DeviceCloud.PollInterval, clock)
	}

	artifactService := service.NewArtifactService(artifactRepo, auditRepo, backend, enforcer, logger)
	integrationService := service.NewIntegrationService(integrationRepo, auditRepo, keyService, logger)
	nonceService := service.NewNonceService(nonceRepo, clock, logger)

	orchestrator := engine.NewOrchestrator(
		runRepo, pipelineRepo, promptPackRepo, auditRepo,
		artifactService, integrationService,
		keyService, cloud, clock, logger,
	)
	worker := engine.NewWorker(
		orchestrator, runQueue, runRepo, enforcer,
		clock, logger,
		cfg.Worker.Concurrency, cfg.Worker.RequeueDelay,
	)
	sweeper := engine.NewSweeper(runRepo, clock, cfg.Worker.StaleGrace, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Sweep once before consuming so runs orphaned by a previous
	// crash are settled first.
	if swept, err := sweeper.Sweep(ctx); err != nil {
		logger.Error("startup sweep failed", slog.Any("error", err))
	} else if swept > 0 {
		logger.Info("startup sweep settled stale runs", slog.Int("count", swept))
	}

	go housekeeping(ctx, sweeper, nonceService, logger)
	go serveMetrics(cfg.Worker.MetricsPort, logger)

	worker.Run(ctx)
	logger.Info("Worker stopped gracefully")
}

// housekeeping runs the periodic stale-run sweep and nonce reap until
// the context is cancelled.
func housekeeping(ctx context.Context, sweeper *engine.Sweeper, nonces service.NonceService, logger *slog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := sweeper.Sweep(ctx); err != nil {
				logger.Error("stale sweep failed", slog.Any("error", err))
			}
			if _, err := nonces.ReapExpired(ctx); err != nil {
				logger.Error("nonce reap failed", slog.Any("error", err))
			}
		}
	}
}

// serveMetrics exposes Prometheus metrics on a side port.
func serveMetrics(port int, logger *slog.Logger) {
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	logger.Info("Metrics listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", slog.Any("error", err))
	}
}

func newStorageBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3(context.Background(), cfg)
	default:
		return storage.NewLocal(cfg.LocalRoot)
	}
}
