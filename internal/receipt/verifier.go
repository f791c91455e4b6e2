// Package receipt verifies client-submitted purchases with the storefront
// and turns them into the same Subscribed fact webhooks produce. It never
// writes the ledger.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/facts"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/models"
)

var ErrVerificationFailed = errors.New("receipt verification failed")

// ErrUnsupportedDevice is returned for device types with no storefront.
var ErrUnsupportedDevice = errors.New("unsupported device type")

type Request struct {
	Device models.Device
	// ReceiptData is the base64 App Store receipt or the Play purchase token.
	ReceiptData string
	ProductID   string
	AccountID   uuid.UUID
}

type AppleVerifier interface {
	Verify(ctx context.Context, receiptData, productID string) (*AppleReceipt, error)
}

type Verifier struct {
	apple   AppleVerifier
	play    PlayClient
	timeout time.Duration
	now     func() time.Time
}

func NewVerifier(apple AppleVerifier, play PlayClient, timeout time.Duration) *Verifier {
	return &Verifier{apple: apple, play: play, timeout: timeout, now: time.Now}
}

// Verify asks the storefront about a purchase. The whole exchange is bounded
// by the configured timeout; running out of time is a verification failure.
func (v *Verifier) Verify(ctx context.Context, req Request) (*facts.Subscribed, error) {
	if req.ReceiptData == "" {
		return nil, fmt.Errorf("%w: empty receipt", ErrVerificationFailed)
	}
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	var (
		fact *facts.Subscribed
		err  error
	)
	switch req.Device {
	case models.DeviceIOS:
		fact, err = v.verifyApple(ctx, req)
	case models.DeviceAndroid:
		fact, err = v.verifyPlay(ctx, req)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDevice, req.Device)
	}
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrVerificationFailed) {
			return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, ctx.Err())
		}
		return nil, err
	}

	if !fact.ExpiresAt.After(v.now()) {
		return nil, fmt.Errorf("%w: subscription expired at %s", ErrVerificationFailed, fact.ExpiresAt.Format(time.RFC3339))
	}
	return fact, nil
}

func (v *Verifier) verifyApple(ctx context.Context, req Request) (*facts.Subscribed, error) {
	if v.apple == nil {
		return nil, fmt.Errorf("%w: app store verification not configured", ErrUnsupportedDevice)
	}
	r, err := v.apple.Verify(ctx, req.ReceiptData, req.ProductID)
	if err != nil {
		return nil, err
	}
	return &facts.Subscribed{
		Provider:              facts.ProviderAppStore,
		AccountID:             req.AccountID,
		OriginalTransactionID: r.OriginalTransactionID,
		TransactionID:         r.TransactionID,
		ProductID:             r.ProductID,
		PurchasedAt:           r.PurchasedAt,
		ExpiresAt:             r.ExpiresAt,
		AutoRenew:             r.AutoRenew,
		IsTrial:               r.IsTrial,
	}, nil
}

func (v *Verifier) verifyPlay(ctx context.Context, req Request) (*facts.Subscribed, error) {
	if v.play == nil {
		return nil, fmt.Errorf("%w: play verification not configured", ErrUnsupportedDevice)
	}
	if req.ProductID == "" {
		return nil, fmt.Errorf("%w: productId is required for play purchases", ErrVerificationFailed)
	}

	sub, err := v.play.GetSubscription(ctx, req.ProductID, req.ReceiptData)
	if err != nil {
		return nil, err
	}
	if sub.OrderID == "" {
		return nil, fmt.Errorf("%w: play purchase without order id", ErrVerificationFailed)
	}

	if !sub.Acknowledged {
		// Play refunds purchases left unacknowledged for three days.
		if err := v.play.Acknowledge(ctx, req.ProductID, req.ReceiptData); err != nil {
			slog.Warn("play acknowledgement failed", "provider", facts.ProviderPlay, "order_id", sub.OrderID, "error", err)
		}
	}

	return &facts.Subscribed{
		Provider:              facts.ProviderPlay,
		AccountID:             req.AccountID,
		OriginalTransactionID: req.ReceiptData,
		TransactionID:         sub.OrderID,
		ProductID:             req.ProductID,
		PurchasedAt:           sub.StartTime,
		ExpiresAt:             sub.ExpiryTime,
		AutoRenew:             sub.AutoRenewing,
	}, nil
}
