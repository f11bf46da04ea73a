package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/studio-keygov-go/internal/api"
	"github.com/studio-keygov-go/internal/config"
	"github.com/studio-keygov-go/internal/services"
	"github.com/studio-keygov-go/internal/storage"
	"github.com/studio-keygov-go/internal/utils"
	"go.uber.org/zap"
)

func main() {
	// Load .env file if exists
	_ = godotenv.Load()

	// Load configuration
	cfg := config.Load()

	log := utils.NewLogger(cfg.Env, cfg.LogDir)
	defer log.Sync()

	log.Infow("Configuration loaded",
		"port", cfg.Port,
		"max_workers", cfg.MaxWorkers,
		"ledger_backend", cfg.LedgerBackend,
		"auth_required", cfg.AdminPassword != "",
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	redisClient, err := storage.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalw("Failed to connect to Redis", "error", err)
	}
	defer redisClient.Close()

	log.Info("Connected to Redis successfully")

	// Initialize stores
	credentials := storage.NewCredentialStore(redisClient)
	rateLimits := storage.NewRateLimitTracker(redisClient)

	ledger, err := openLedger(cfg, redisClient, log)
	if err != nil {
		log.Fatalw("Failed to open usage ledger", "backend", cfg.LedgerBackend, "error", err)
	}
	defer ledger.Close()

	cache, err := storage.NewLocalCache(ctx, cfg.CacheTTL, cfg.LocalCacheSize)
	if err != nil {
		log.Warnw("Routing cache disabled", "error", err)
		cache = nil
	}
	routes := storage.NewFunctionRoutingTable(redisClient, cache)

	// Other instances publish changes; drop our cached routes when they do
	redisClient.Subscribe(ctx, storage.FunctionsUpdatedChannel, log, routes.Invalidate)
	redisClient.Subscribe(ctx, storage.CredentialRemovedChannel, log, func(string) {
		routes.InvalidateAll()
	})

	// Initialize services
	governance := services.NewGovernanceService(credentials, rateLimits, ledger, routes, log, cfg.RecentCalls)
	authService := services.NewAuthService(cfg.AdminPassword, cfg.JWTSecret, cfg.SessionTTL)

	workerPool := services.NewWorkerPool(cfg.MaxWorkers, cfg.QueueSize, cfg.HTTPTimeout, log)
	workerPool.Start()
	defer workerPool.Stop()

	validator := services.NewCredentialValidator(credentials, workerPool, log,
		cfg.ValidationFailureThreshold, cfg.ValidationErrorHistory)
	if cfg.ValidationSchedule != "" {
		scheduler, err := validator.StartSchedule(cfg.ValidationSchedule, 5*time.Minute)
		if err != nil {
			log.Fatalw("Failed to schedule credential validation", "error", err)
		}
		defer scheduler.Stop()
		log.Infow("Credential validation scheduled", "schedule", cfg.ValidationSchedule)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: api.ErrorHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		ServerHeader: "KeyGov",
		AppName:      "API Credential Governance",
	})

	// Middlewares
	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path} | ${error}\n",
		TimeFormat: "2006-01-02 15:04:05",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	handlers := api.NewHandlers(governance, validator, authService)
	limiter := api.NewRateLimiter(cfg.RateLimit, cfg.RateLimitBurst, log)
	api.SetupRoutes(app, handlers, limiter)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			log.Errorw("Server shutdown error", "error", err)
		}
	}()

	log.Infow("Starting server", "port", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalw("Failed to start server", "error", err)
	}
}

func openLedger(cfg *config.Config, redisClient *storage.RedisClient, log *zap.SugaredLogger) (storage.UsageLedger, error) {
	switch strings.ToLower(cfg.LedgerBackend) {
	case "sqlite":
		log.Infow("Usage ledger on SQLite", "path", cfg.LedgerSQLitePath)
		return storage.NewSQLiteLedger(cfg.LedgerSQLitePath)
	default:
		log.Info("Usage ledger on Redis")
		return storage.NewRedisLedger(redisClient), nil
	}
}
