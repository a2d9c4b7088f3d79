package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"

	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/admission"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/api/handlers"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/auth"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/config"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/database"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/live"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/repository/postgres"
	"github.com/shubharthaksangharsha/apsara3.0-sub000/internal/upstream"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	log := logrus.NewEntry(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	if cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = "change-me-in-production"
		log.Warn("Using default JWT secret. Set APSARA_JWT_SECRET in production!")
	}

	// Connect to database
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		log.WithError(err).Fatal("Failed to run migrations")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Apsara Backend",
		ErrorHandler: customErrorHandler,
	})

	// Middleware
	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: getOrigins(),
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	// Initialize repositories
	store := postgres.NewConversationStore(db.DB)

	// Initialize auth service
	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	// Initialize admission control
	adm := admission.New(admissionConfig(cfg.Limits))

	// Initialize upstream providers
	gemini := upstream.NewGeminiDialer(cfg.Upstream.GeminiEndpoint, cfg.Upstream.GeminiAPIKey, log)
	var openaiDialer upstream.Dialer
	if cfg.Upstream.OpenAIAPIKey != "" {
		openaiDialer = upstream.NewOpenAIDialer(cfg.Upstream.OpenAIAPIKey, log)
	}
	providers := upstream.NewRegistry(gemini, openaiDialer)

	// Initialize the session orchestrator
	orchestrator := live.NewOrchestrator(adm, live.NewRegistry(), store, providers, live.Config{
		DefaultModel:     cfg.Upstream.DefaultModel,
		DefaultVoice:     cfg.Upstream.DefaultVoice,
		SystemPrompt:     cfg.Upstream.SystemPrompt,
		MaxPerConnection: cfg.Session.MaxPerConnection,
		IdleTimeout:      cfg.Session.IdleTimeout,
		SweepInterval:    cfg.Session.SweepInterval,
	}, log)

	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	defer stopSweeper()
	go orchestrator.RunSweeper(sweepCtx)

	liveHandler := handlers.NewLiveHandler(orchestrator, adm, cfg.Session.HeartbeatInterval, cfg.Session.IdleTimeout, log)

	// Setup routes
	api.SetupRoutes(app, api.Deps{
		Auth:        authService,
		Admission:   adm,
		Store:       store,
		Live:        liveHandler,
		GuestQuotas: cfg.Limits.Daily,
	})

	// Shut down cleanly on SIGINT/SIGTERM so live sessions flush their turns.
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		log.Info("Shutting down")
		stopSweeper()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	log.WithField("addr", addr).Info("Apsara Backend starting")
	if err := app.Listen(addr); err != nil {
		log.WithError(err).Fatal("Failed to start server")
	}
}

func admissionConfig(limits config.LimitsConfig) admission.Config {
	daily := make(map[admission.Tier]int, len(limits.Daily))
	for tier, capacity := range limits.Daily {
		daily[admission.Tier(tier)] = capacity
	}

	bypass := make(map[admission.Tier]bool, len(limits.BypassTiers))
	for _, tier := range limits.BypassTiers {
		bypass[admission.Tier(tier)] = true
	}

	return admission.Config{
		BurstPerMinute: limits.BurstPerMinute,
		Daily:          daily,
		Bypass:         bypass,
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}

	return c.Status(code).JSON(fiber.Map{
		"error": err.Error(),
		"code":  code,
	})
}

func getOrigins() string {
	origins := os.Getenv("APSARA_CORS_ORIGINS")
	if origins == "" {
		return "http://localhost:5173,http://localhost:3000"
	}
	return origins
}
