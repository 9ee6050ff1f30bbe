package main

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripflow/config"
	"dripflow/middleware"
	"dripflow/models"
	"dripflow/queue"
	"dripflow/routes"
	"dripflow/sequence"
	"dripflow/utils"
	"dripflow/warmup"
	"dripflow/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	if config.AppConfig.Environment == "development" {
		logger.SetLevel(logrus.DebugLevel)
	}

	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.WithError(err).Warn("Failed to initialize sentry")
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	if err := models.Migrate(config.DB); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}
	if err := config.ConnectRedis(); err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}

	// Wire the engines
	credentials := utils.NewCredentialStore()
	mailer := utils.NewSMTPMailer(credentials, logger)
	suppression := utils.NewSuppressionGate(config.DB)

	store := queue.NewStore(config.DB)
	dispatcher := queue.NewDispatcher(store, logger)

	seqEngine := sequence.NewEngine(config.DB, store, mailer, suppression, logger)
	seqEngine.Register(dispatcher)

	exchanger := warmup.NewPeerExchanger(mailer.Send, config.AppConfig.WarmupPeers, logger)
	warmupEngine := warmup.NewEngine(config.DB, config.Redis, exchanger, credentials, logger)

	// Start background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatchWorker := worker.NewDispatchWorker(dispatcher, logger, config.AppConfig.DispatchInterval)
	go dispatchWorker.Start(ctx)

	warmupWorker := worker.NewWarmupWorker(config.DB, warmupEngine, logger, config.AppConfig.WarmupSchedule)
	go func() {
		if err := warmupWorker.Start(ctx); err != nil {
			logger.WithError(err).Error("warmup worker stopped")
		}
	}()

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	routes.SetupRoutes(app, config.DB, seqEngine, warmupEngine, logger)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	logger.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
