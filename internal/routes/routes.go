package routes

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/config"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/middleware"
)

type Handlers struct {
	Health   *handlers.HealthHandler
	Webhooks *handlers.WebhookHandler
	Purchase *handlers.PurchaseHandler
	Offers   *handlers.OfferHandler
}

func Setup(app *fiber.App, cfg *config.Config, h Handlers, m *metrics.Metrics) {
	app.Get("/health", h.Health.Check)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})))

	// Provider webhooks are not rate limited: a throttled delivery is just
	// redelivered later and piles up.
	webhooks := app.Group("/webhooks")
	webhooks.Post("/ios-notifications", h.Webhooks.AppStore)
	webhooks.Post("/android-notifications", h.Webhooks.Play)
	webhooks.Post("/processor", h.Webhooks.Stripe)

	// Client routes: 30 req/min per IP
	clientLimit := limiter.New(limiter.Config{
		Max:               30,
		Expiration:        1 * time.Minute,
		LimiterMiddleware: limiter.SlidingWindow{},
		KeyGenerator:      func(c *fiber.Ctx) string { return c.IP() },
	})
	app.Post("/purchases/verify", clientLimit, middleware.JWTProtected(cfg), h.Purchase.Verify)
	app.Get("/offers/signature", clientLimit, middleware.JWTProtected(cfg), h.Offers.Signature)
}
