// Package main is the entry point for the EdgeGate control plane API
// server.
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

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/database"
	"github.com/edgegate/edgegate/internal/devicecloud"
	"github.com/edgegate/edgegate/internal/handler"
	"github.com/edgegate/edgegate/internal/kms"
	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/models"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/queue"
	"github.com/edgegate/edgegate/internal/repository"
	"github.com/edgegate/edgegate/internal/service"
	"github.com/edgegate/edgegate/internal/storage"
)

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

	logger.Info("Starting EdgeGate control plane",
		slog.String("environment", cfg.App.Environment),
		slog.Int("port", cfg.App.Port),
	)

	clock := clockwork.NewRealClock()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	logger.Info("Connected to Redis")

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

	// Repositories
	pool := db.Pool()
	userRepo := repository.NewUserRepository(pool)
	workspaceRepo := repository.NewWorkspaceRepository(pool)
	artifactRepo := repository.NewArtifactRepository(pool)
	integrationRepo := repository.NewIntegrationRepository(pool)
	promptPackRepo := repository.NewPromptPackRepository(pool)
	pipelineRepo := repository.NewPipelineRepository(pool)
	runRepo := repository.NewRunRepository(pool)
	capabilityRepo := repository.NewCapabilityRepository(pool)
	nonceRepo := repository.NewNonceRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)

	enforcer := limits.NewEnforcer(cfg.Limits)
	runQueue := queue.New(rdb.Client(), cfg.Worker.QueueName)

	var cloud devicecloud.Factory
	if cfg.DeviceCloud.Mock {
		mock := devicecloud.NewMock()
		cloud = func(token string) devicecloud.Client { return mock }
	} else {
		cloud = devicecloud.NewFactory(cfg.DeviceCloud.BaseURL, cfg.DeviceCloud.PollInterval, clock)
	}

	// Services
	authService := service.NewAuthService(userRepo)
	workspaceService := service.NewWorkspaceService(workspaceRepo, auditRepo, keyService, clock, logger)
	artifactService := service.NewArtifactService(artifactRepo, auditRepo, backend, enforcer, logger)
	integrationService := service.NewIntegrationService(integrationRepo, auditRepo, keyService, logger)
	promptPackService := service.NewPromptPackService(promptPackRepo, auditRepo, enforcer, logger)
	pipelineService := service.NewPipelineService(pipelineRepo, promptPackRepo, auditRepo, enforcer, logger)
	runService := service.NewRunService(runRepo, pipelineRepo, artifactRepo, auditRepo, runQueue, logger)
	capabilityService := service.NewCapabilityService(capabilityRepo, auditRepo, integrationService, artifactService, cloud, clock, logger)
	nonceService := service.NewNonceService(nonceRepo, clock, logger)
	auditService := service.NewAuditService(auditRepo)

	// Handlers
	authHandler := handler.NewAuthHandler(authService)
	workspaceHandler := handler.NewWorkspaceHandler(workspaceService)
	artifactHandler := handler.NewArtifactHandler(artifactService, cfg.Limits.ModelUploadBytes)
	integrationHandler := handler.NewIntegrationHandler(integrationService)
	promptPackHandler := handler.NewPromptPackHandler(promptPackService)
	pipelineHandler := handler.NewPipelineHandler(pipelineService)
	runHandler := handler.NewRunHandler(runService, artifactService)
	capabilityHandler := handler.NewCapabilityHandler(capabilityService)
	auditHandler := handler.NewAuditHandler(auditService)
	ciHandler := handler.NewCIHandler(runService, artifactService)

	ciAuth := middleware.NewCIAuthenticator(workspaceRepo, auditRepo, nonceService, keyService, clock, logger)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Get("/health", healthHandler())
	r.Get("/ready", readyHandler(db, rdb))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	workspaceParam := func(req *http.Request) string {
		return chi.URLParam(req, "workspaceID")
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstFactor:       cfg.RateLimit.BurstFactor,
		}, clock))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			response.OK(w, map[string]string{
				"name":    "EdgeGate Control Plane API",
				"version": "1.0.0",
			})
		})

		r.Mount("/auth", authHandler.Routes())

		// CI routes authenticate with the per-workspace HMAC secret,
		// not a bearer token.
		r.Route("/ci", func(r chi.Router) {
			r.Use(ciAuth.Middleware)
			r.Mount("/", ciHandler.Routes())
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(authService))

			r.Mount("/tokens", authHandler.TokenRoutes())
			r.Mount("/workspaces", workspaceHandler.Routes())

			r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
				// Viewer is the floor; handlers enforce stronger roles
				// on mutations.
				r.Use(middleware.WorkspaceMember(workspaceService, models.RoleViewer, workspaceParam))

				r.Mount("/", workspaceHandler.WorkspaceRoutes())
				r.Mount("/artifacts", artifactHandler.Routes())
				r.Mount("/integrations", integrationHandler.Routes())
				r.Mount("/promptpacks", promptPackHandler.Routes())
				r.Mount("/pipelines", pipelineHandler.Routes())
				r.Mount("/runs", runHandler.Routes())
				r.Mount("/capabilities", capabilityHandler.Routes())
				r.Mount("/audit", auditHandler.Routes())
			})
		})
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.Host, cfg.App.Port),
		Handler:      r,
		ReadTimeout:  cfg.App.ReadTimeout,
		WriteTimeout: cfg.App.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	go func() {
		logger.Info("Server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("Shutting down server", slog.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}
	logger.Info("Server stopped gracefully")
}

func newStorageBackend(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "s3":
		return storage.NewS3(context.Background(), cfg)
	default:
		return storage.NewLocal(cfg.LocalRoot)
	}
}

// healthHandler reports liveness only.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// readyHandler verifies the database and Redis connections.
func readyHandler(db *database.Postgres, rdb *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if err := rdb.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"redis"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	}
}
