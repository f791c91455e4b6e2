package handlers

import (
	"errors"
	"log/slog"

	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/gofiber/fiber/v2"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/codec"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/delivery"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/facts"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/reconciler"
)

type WebhookHandler struct {
	appStore   *codec.AppStoreDecoder
	play       *codec.PlayDecoder
	stripe     *codec.StripeDecoder
	dispatcher *reconciler.Dispatcher
	reconciler *reconciler.Reconciler
	deliveries *delivery.Cache
	metrics    *metrics.Metrics
}

type WebhookDeps struct {
	AppStore   *codec.AppStoreDecoder
	Play       *codec.PlayDecoder
	Stripe     *codec.StripeDecoder
	Dispatcher *reconciler.Dispatcher
	Reconciler *reconciler.Reconciler
	// Deliveries may be nil; the ledger still rejects replays.
	Deliveries *delivery.Cache
	Metrics    *metrics.Metrics
}

func NewWebhookHandler(deps WebhookDeps) *WebhookHandler {
	return &WebhookHandler{
		appStore:   deps.AppStore,
		play:       deps.Play,
		stripe:     deps.Stripe,
		dispatcher: deps.Dispatcher,
		reconciler: deps.Reconciler,
		deliveries: deps.Deliveries,
		metrics:    deps.Metrics,
	}
}

// AppStore handles App Store server notifications V2.
func (h *WebhookHandler) AppStore(c *fiber.Ctx) error {
	if h.appStore == nil {
		return h.notConfigured(c, facts.ProviderAppStore)
	}
	n, err := h.appStore.Decode(c.Body())
	if err != nil {
		return h.rejected(c, facts.ProviderAppStore, err)
	}
	return h.reconcile(c, facts.ProviderAppStore, n.NotificationUUID, func() (facts.Fact, error) {
		return h.dispatcher.AppStoreFacts(n)
	})
}

// Play handles Google Play real-time developer notifications pushed by Pub/Sub.
func (h *WebhookHandler) Play(c *fiber.Ctx) error {
	if h.play == nil {
		return h.notConfigured(c, facts.ProviderPlay)
	}
	n, err := h.play.Decode(c.Body())
	if err != nil {
		return h.rejected(c, facts.ProviderPlay, err)
	}
	return h.reconcile(c, facts.ProviderPlay, n.MessageID, func() (facts.Fact, error) {
		return h.dispatcher.PlayFacts(c.UserContext(), n)
	})
}

// Stripe handles payment processor events. The raw body is needed for the
// signature check, so it must not be parsed before this handler.
func (h *WebhookHandler) Stripe(c *fiber.Ctx) error {
	if h.stripe == nil {
		return h.notConfigured(c, facts.ProviderStripe)
	}
	e, err := h.stripe.Decode(c.Body(), c.Get("Stripe-Signature"))
	if err != nil {
		return h.rejected(c, facts.ProviderStripe, err)
	}
	return h.reconcile(c, facts.ProviderStripe, e.ID, func() (facts.Fact, error) {
		return h.dispatcher.StripeFacts(e), nil
	})
}

func (h *WebhookHandler) reconcile(c *fiber.Ctx, provider facts.Provider, deliveryID string, toFact func() (facts.Fact, error)) error {
	ctx := c.UserContext()
	if h.deliveries.Seen(ctx, string(provider), deliveryID) {
		h.count(provider, "replayed")
		slog.Info("webhook replay skipped", "provider", provider, "delivery_id", deliveryID)
		return c.JSON(dto.WebhookReceived{Received: true})
	}

	fact, err := toFact()
	if err != nil {
		if errors.Is(err, codec.ErrMalformedEnvelope) {
			return h.rejected(c, provider, err)
		}
		return h.failed(c, provider, deliveryID, err)
	}

	res, err := h.reconciler.Reconcile(ctx, fact)
	if err != nil {
		return h.failed(c, provider, deliveryID, err)
	}

	h.deliveries.Mark(ctx, string(provider), deliveryID)
	h.count(provider, "accepted")
	slog.Info("webhook processed", "provider", provider, "delivery_id", deliveryID,
		"action", res.Kind, "outcome", res.Outcome, "account_id", res.AccountID)
	return c.JSON(dto.WebhookReceived{Received: true})
}

func (h *WebhookHandler) rejected(c *fiber.Ctx, provider facts.Provider, err error) error {
	h.count(provider, "rejected")
	slog.Warn("webhook rejected", "provider", provider, "ip", c.IP(), "error", err)
	message := "Invalid notification payload"
	if errors.Is(err, codec.ErrUnverifiableSignature) {
		message = "Invalid notification signature"
	}
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
		Error: true, Message: message,
	})
}

// failed answers 500 so the provider redelivers; the ledger makes the retry safe.
func (h *WebhookHandler) failed(c *fiber.Ctx, provider facts.Provider, deliveryID string, err error) error {
	h.count(provider, "failed")
	slog.Error("webhook processing failed", "provider", provider, "delivery_id", deliveryID, "error", err)
	if hub := sentryfiber.GetHubFromContext(c); hub != nil {
		hub.CaptureException(err)
	}
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{
		Error: true, Message: "Failed to process webhook event",
	})
}

func (h *WebhookHandler) notConfigured(c *fiber.Ctx, provider facts.Provider) error {
	h.count(provider, "rejected")
	return c.Status(fiber.StatusNotFound).JSON(dto.ErrorResponse{
		Error: true, Message: "Webhooks not configured for this provider",
	})
}

func (h *WebhookHandler) count(provider facts.Provider, result string) {
	if h.metrics != nil {
		h.metrics.Deliveries.WithLabelValues(string(provider), result).Inc()
	}
}
