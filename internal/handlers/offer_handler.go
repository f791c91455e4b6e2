package handlers

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/offers"
)

type OfferHandler struct {
	signer  *offers.Signer
	metrics *metrics.Metrics
}

// NewOfferHandler accepts a nil signer when offer keys are not configured.
func NewOfferHandler(signer *offers.Signer, m *metrics.Metrics) *OfferHandler {
	return &OfferHandler{signer: signer, metrics: m}
}

func (h *OfferHandler) Signature(c *fiber.Ctx) error {
	accountID, err := middleware.AccountID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
			Error: true, Message: "Unauthorized",
		})
	}
	if h.signer == nil {
		h.count("unavailable")
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ErrorResponse{
			Error: true, Message: "Promotional offers are not available",
		})
	}

	var req dto.OfferSignatureRequest
	if err := c.QueryParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: "Invalid query parameters",
		})
	}

	sig, err := h.signer.Sign(c.UserContext(), accountID, offers.Request{
		AppBundleID:         req.AppBundleID,
		ProductIdentifier:   req.ProductIdentifier,
		OfferID:             req.OfferID,
		ApplicationUsername: req.ApplicationUsername,
	})
	switch {
	case err == nil:
	case errors.Is(err, offers.ErrInvalidRequest):
		h.count("invalid")
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{
			Error: true, Message: err.Error(),
		})
	case errors.Is(err, offers.ErrAlreadyRedeemed):
		h.count("already_redeemed")
		return c.Status(fiber.StatusConflict).JSON(dto.ErrorResponse{
			Error: true, Message: "Offer already redeemed",
		})
	default:
		h.count("failed")
		slog.Error("offer signing failed", "account_id", accountID.String(), "action", "offer_signature", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "failed to sign offer")
	}

	h.count("signed")
	return c.JSON(dto.OfferSignatureResponse{
		KeyID:     sig.KeyID,
		Nonce:     sig.Nonce,
		Timestamp: sig.Timestamp,
		Signature: sig.Signature,
	})
}

func (h *OfferHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.Signatures.WithLabelValues(result).Inc()
	}
}
