package handlers

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/ledger"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/models"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/receipt"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/reconciler"
)

type PurchaseHandler struct {
	verifier   *receipt.Verifier
	reconciler *reconciler.Reconciler
	ledger     *ledger.Ledger
	metrics    *metrics.Metrics
}

func NewPurchaseHandler(verifier *receipt.Verifier, r *reconciler.Reconciler, l *ledger.Ledger, m *metrics.Metrics) *PurchaseHandler {
	return &PurchaseHandler{verifier: verifier, reconciler: r, ledger: l, metrics: m}
}

// Verify checks a client-submitted receipt with the storefront and records
// the purchase for the authenticated account.
func (h *PurchaseHandler) Verify(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}

	device := models.Device(strings.ToLower(strings.TrimSpace(c.Get("X-Device-Type"))))
	if device != models.DeviceIOS && device != models.DeviceAndroid {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "X-Device-Type header must be ios or android",
		})
	}

	var req dto.VerifyPurchaseRequest
	if err := c.BodyParser(&req); err != nil || req.ReceiptData == "" {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "receiptData is required",
		})
	}

	fact, err := h.verifier.Verify(c.UserContext(), receipt.Request{
		Device:      device,
		ReceiptData: req.ReceiptData,
		ProductID:   req.ProductID,
		AccountID:   accountID,
	})
	if err != nil {
		h.count(device, "failed")
		slog.Warn("receipt verification failed", "provider", device, "account_id", accountID.String(), "error", err)
		if errors.Is(err, receipt.ErrUnsupportedDevice) {
			return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
				Error: true, Message: "Receipt verification is not available for this device",
			})
		}
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.ErrorResponse{
			Error: true, Message: "Receipt could not be verified",
		})
	}
	h.count(device, "verified")

	res, err := h.reconciler.Reconcile(c.UserContext(), *fact)
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "failed to record purchase")
	}
	if res.Outcome == ledger.Conflict {
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{
			Error: true, Message: "Purchase belongs to another account",
		})
	}

	resp := dto.VerifyPurchaseResponse{Outcome: string(res.Outcome)}
	sub, err := h.ledger.ActiveSubscription(c.UserContext(), accountID)
	switch {
	case err == nil:
		resp.Subscription = subscriptionResponse(sub)
	case !errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(fiber.StatusInternalServerError, "failed to load subscription")
	}
	return c.JSON(resp)
}

func (h *PurchaseHandler) count(device models.Device, result string) {
	if h.metrics != nil {
		h.metrics.Verifications.WithLabelValues(string(device), result).Inc()
	}
}

func subscriptionResponse(s *models.Subscription) *dto.SubscriptionResponse {
	return &dto.SubscriptionResponse{
		ProductID:             s.ProductID,
		OriginalTransactionID: s.OriginalTransactionID,
		ExpiresAt:             s.ExpiresAt,
		AutoRenew:             s.AutoRenew,
		IsTrial:               s.IsTrial,
		Device:                string(s.PurchasedFromDevice),
	}
}
