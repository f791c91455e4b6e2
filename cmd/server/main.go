package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/joho/godotenv"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/codec"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/config"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/database"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/delivery"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/ledger"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/logging"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/offers"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/receipt"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/reconciler"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/routes"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/services"
)

func main() {
	// Structured logging (JSON to stdout)
	logging.Setup()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "error", err)
	}
	cfg := config.Load()

	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}
	if cfg.DBPassword == "" {
		slog.Error("DB_PASSWORD environment variable is required")
		os.Exit(1)
	}

	products, err := catalog.LoadFromFile(cfg.CatalogPath)
	if err != nil {
		slog.Error("failed to load product catalog", "path", cfg.CatalogPath, "error", err)
		os.Exit(1)
	}
	slog.Info("product catalog loaded", "products", products.Len())

	// Database
	db, err := database.Connect(cfg)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// PostgreSQL log handler (ERROR+ async batch)
	pgLogHandler := logging.NewPGHandler(db)
	logging.Setup(pgLogHandler)

	// Log cleanup (30-day retention)
	cleanupDone := make(chan struct{})
	logging.StartCleanup(db, cleanupDone)

	// Sentry error tracking
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.AppEnv,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	ctx := context.Background()
	m := metrics.New()

	// Decoders; a provider without credentials stays disabled and its
	// webhook answers 404.
	var appStoreDecoder *codec.AppStoreDecoder
	if rootPEM, err := os.ReadFile(cfg.AppleRootCAPath); err != nil {
		slog.Warn("app store notifications disabled", "path", cfg.AppleRootCAPath, "error", err)
	} else if appStoreDecoder, err = codec.NewAppStoreDecoder(codec.AppStoreOptions{
		RootPEM:  rootPEM,
		BundleID: cfg.AppleBundleID,
	}); err != nil {
		slog.Error("invalid apple root certificate", "path", cfg.AppleRootCAPath, "error", err)
		os.Exit(1)
	}

	var playDecoder *codec.PlayDecoder
	var playClient receipt.PlayClient
	if cfg.GooglePackageName != "" {
		playDecoder = codec.NewPlayDecoder(cfg.GooglePackageName)
		gp, err := receipt.NewGooglePlay(ctx, cfg.GooglePackageName, cfg.GoogleServiceAccountPath)
		if err != nil {
			slog.Error("google play client init failed", "error", err)
			os.Exit(1)
		}
		playClient = gp
	}

	var stripeDecoder *codec.StripeDecoder
	if cfg.StripeWebhookSecret != "" {
		stripeDecoder = codec.NewStripeDecoder(cfg.StripeWebhookSecret)
	}

	// Replay cache (optional)
	deliveries, err := delivery.Connect(ctx, cfg.RedisURL)
	if err != nil {
		slog.Warn("delivery cache unavailable, relying on the ledger alone", "error", err)
		deliveries = nil
	}

	// Services
	subscriptions := ledger.New(db)
	accounts := services.NewAccountService(db)
	crm := services.NewCRMService(cfg.CRMURL, cfg.CRMAPIKey, cfg.SideEffectTimeout)
	crm.OnError = func(error) { m.SideEffects.WithLabelValues("crm").Inc() }
	rec := reconciler.New(subscriptions, accounts, crm,
		reconciler.WithMetrics(m),
		reconciler.WithSideEffectTimeout(cfg.SideEffectTimeout),
	)

	apple := receipt.NewAppleReceiptClient(cfg.AppleVerifyURL, cfg.AppleSandboxVerifyURL, cfg.AppleSharedSecret, cfg.VerifyTimeout)
	verifier := receipt.NewVerifier(apple, playClient, cfg.VerifyTimeout)

	signer, err := offers.LoadSigner(cfg.AppleOfferKeyID, cfg.AppleBundleID, cfg.AppleOfferKeyPath, cfg.AppleOfferPublicKeyPath, subscriptions)
	switch {
	case errors.Is(err, offers.ErrNotConfigured):
		slog.Info("promotional offer signing disabled")
	case err != nil:
		slog.Error("failed to load offer signing key", "error", err)
		os.Exit(1)
	}

	// Handlers
	h := routes.Handlers{
		Health: handlers.NewHealthHandler(db, deliveries, products),
		Webhooks: handlers.NewWebhookHandler(handlers.WebhookDeps{
			AppStore:   appStoreDecoder,
			Play:       playDecoder,
			Stripe:     stripeDecoder,
			Dispatcher: reconciler.NewDispatcher(products, playClient),
			Reconciler: rec,
			Deliveries: deliveries,
			Metrics:    m,
		}),
		Purchase: handlers.NewPurchaseHandler(verifier, rec, subscriptions, m),
		Offers:   handlers.NewOfferHandler(signer, m),
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	// Sentry middleware
	app.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		return c.Next()
	})

	routes.Setup(app, cfg, h, m)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	crm.Wait()
	close(cleanupDone)
	pgLogHandler.Stop()
	sentry.Flush(2 * time.Second)

	if err := deliveries.Close(); err != nil {
		slog.Error("redis close error", "error", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			slog.Error("database close error", "error", err)
		}
	}

	slog.Info("server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
		if hub := sentryfiber.GetHubFromContext(c); hub != nil {
			hub.CaptureException(err)
		}
		message = "Internal server error"
	}

	return c.Status(code).JSON(dto.ErrorResponse{
		Error:   true,
		Message: message,
	})
}
