package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"dealer-intel/backend/internal/api"
	"dealer-intel/backend/internal/api/handlers"
	"dealer-intel/backend/internal/auth"
	"dealer-intel/backend/internal/config"
	"dealer-intel/backend/internal/crmapi"
	"dealer-intel/backend/internal/db"
	"dealer-intel/backend/internal/engine"
	"dealer-intel/backend/internal/health"
	"dealer-intel/backend/internal/logger"
	"dealer-intel/backend/internal/repository"
	"dealer-intel/backend/internal/scheduler"
	"dealer-intel/backend/internal/service"
	"dealer-intel/backend/internal/token"
	"dealer-intel/backend/internal/webhook"

	"github.com/gin-gonic/gin"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logger)
	logger.Info().Msg("Starting CRM sync service")

	// Run database migrations before opening the pool
	if err := db.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsPath); err != nil {
		logger.Fatal().Err(err).Msg("Failed to run database migrations")
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	// Repositories
	credentialRepo := repository.NewCredentialRepository(database.Pool)
	recordRepo := repository.NewRecordRepository(database.Pool)
	taskRepo := repository.NewTaskRepository(database.Pool)
	syncLogRepo := repository.NewSyncLogRepository(database.Pool)
	conflictRepo := repository.NewConflictRepository(database.Pool)
	eventRepo := repository.NewWebhookEventRepository(database.Pool)
	cursorRepo := repository.NewSyncCursorRepository(database.Pool)

	// Token lifecycle and the authenticated CRM client. The service cannot
	// do its job without CRM credentials, so missing config is fatal.
	tokenManager, err := token.NewManager(cfg, credentialRepo)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize token manager")
	}
	crmClient := crmapi.NewClient(cfg, tokenManager, token.DefaultOwner)

	// Sync engine: drains the change queue with a worker pool
	syncEngine := engine.NewEngine(cfg, taskRepo, recordRepo, conflictRepo, syncLogRepo, crmClient)
	if err := syncEngine.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start sync engine")
	}

	// Webhook receiver: verifies deliveries and feeds the inbound queue
	receiver := webhook.NewReceiver(cfg, eventRepo, taskRepo)
	receiver.Start()

	// Services
	syncService := service.NewSyncService(crmClient, taskRepo, cursorRepo, syncLogRepo, conflictRepo)
	recordService := service.NewRecordService(recordRepo, taskRepo, crmClient)
	activityService := service.NewActivityService(recordRepo, taskRepo)

	// Handlers
	healthHandler := health.NewHandler(database, taskRepo)
	webhookHandler := handlers.NewWebhookHandler(cfg, receiver)
	syncHandler := handlers.NewSyncHandler(syncService)
	oauthHandler := handlers.NewOAuthHandler(tokenManager)
	recordHandler := handlers.NewRecordHandler(recordService)
	activityHandler := handlers.NewActivityHandler(activityService)

	// Periodic incremental sync and retention pruning
	sched := scheduler.NewScheduler(cfg, syncService, taskRepo, syncLogRepo, eventRepo)
	if err := sched.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start scheduler")
	}

	if cfg.Logger.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(api.RequestIDMiddleware())
	router.Use(api.LoggingMiddleware())
	router.Use(api.CORSMiddleware(cfg.CORS))
	router.Use(api.ErrorHandlerMiddleware())

	router.GET("/health", healthHandler.Check)

	// The CRM authenticates webhook deliveries by signature, not API key
	router.POST("/webhooks/crm", webhookHandler.Receive)

	v1 := router.Group("/api/v1")
	v1.Use(auth.APIKeyMiddleware(cfg))
	{
		syncRoutes := v1.Group("/sync")
		{
			syncRoutes.POST("/full", syncHandler.TriggerFull)
			syncRoutes.POST("/incremental", syncHandler.TriggerIncremental)
			syncRoutes.GET("/tasks", syncHandler.ListTasks)
			syncRoutes.GET("/logs", syncHandler.ListLogs)
			syncRoutes.GET("/conflicts", syncHandler.ListConflicts)
			syncRoutes.POST("/conflicts/:id/resolve", syncHandler.ResolveConflict)
		}

		authRoutes := v1.Group("/auth")
		{
			authRoutes.GET("/url", oauthHandler.AuthURL)
			authRoutes.POST("/callback", oauthHandler.Callback)
			authRoutes.POST("/disconnect", oauthHandler.Disconnect)
			authRoutes.GET("/connections", oauthHandler.Connections)
		}

		recordRoutes := v1.Group("/records")
		{
			recordRoutes.POST("", recordHandler.Create)
			recordRoutes.GET("", recordHandler.List)
			recordRoutes.GET("/:id", recordHandler.Get)
			recordRoutes.PATCH("/:id", recordHandler.Update)
			recordRoutes.DELETE("/:id", recordHandler.Delete)
		}

		v1.POST("/activities", activityHandler.Log)
	}

	// Listen explicitly so PORT=0 resolves to a real port we can report
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", addr).Msg("Failed to listen")
	}
	selectedPort := listener.Addr().(*net.TCPAddr).Port

	srv := &http.Server{Handler: router}

	go func() {
		logger.Info().Int("port", selectedPort).Msg("HTTP server listening")
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Report the bound port for supervisors
	fmt.Printf("PORT=%d\n", selectedPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	sched.Stop()
	receiver.Stop()
	syncEngine.Stop()

	logger.Info().Msg("Shutdown complete")
}
