package receipt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// PlaySubscription is the slice of a Play subscription purchase the ledger
// needs.
type PlaySubscription struct {
	OrderID      string
	StartTime    time.Time
	ExpiryTime   time.Time
	AutoRenewing bool
	Acknowledged bool
	// AccountID is the obfuscated external account id set at purchase time.
	AccountID    string
	PriceMicros  int64
	Currency     string
	LinkedToken  string
	CancelReason int64
}

// PlayClient reads and acknowledges Play subscription purchases.
type PlayClient interface {
	GetSubscription(ctx context.Context, subscriptionID, purchaseToken string) (*PlaySubscription, error)
	Acknowledge(ctx context.Context, subscriptionID, purchaseToken string) error
}

type GooglePlay struct {
	packageName string
	service     *androidpublisher.Service
}

// NewGooglePlay builds a client authenticated with a service-account key
// file. Extra options (endpoint, http client) are appended, which tests use.
func NewGooglePlay(ctx context.Context, packageName, credentialsFile string, opts ...option.ClientOption) (*GooglePlay, error) {
	if credentialsFile != "" {
		opts = append([]option.ClientOption{
			option.WithCredentialsFile(credentialsFile),
			option.WithScopes(androidpublisher.AndroidpublisherScope),
		}, opts...)
	}
	service, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("android publisher client: %w", err)
	}
	return &GooglePlay{packageName: packageName, service: service}, nil
}

func (g *GooglePlay) GetSubscription(ctx context.Context, subscriptionID, purchaseToken string) (*PlaySubscription, error) {
	purchase, err := g.service.Purchases.Subscriptions.
		Get(g.packageName, subscriptionID, purchaseToken).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyPlayError(ctx, err)
	}

	return &PlaySubscription{
		OrderID:      purchase.OrderId,
		StartTime:    fromMillis(purchase.StartTimeMillis),
		ExpiryTime:   fromMillis(purchase.ExpiryTimeMillis),
		AutoRenewing: purchase.AutoRenewing,
		Acknowledged: purchase.AcknowledgementState == 1,
		AccountID:    purchase.ObfuscatedExternalAccountId,
		PriceMicros:  purchase.PriceAmountMicros,
		Currency:     purchase.PriceCurrencyCode,
		LinkedToken:  purchase.LinkedPurchaseToken,
		CancelReason: purchase.CancelReason,
	}, nil
}

func (g *GooglePlay) Acknowledge(ctx context.Context, subscriptionID, purchaseToken string) error {
	err := g.service.Purchases.Subscriptions.
		Acknowledge(g.packageName, subscriptionID, purchaseToken, &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("acknowledge subscription: %w", err)
	}
	return nil
}

// classifyPlayError turns "this token is not a valid purchase" answers into
// verification failures and leaves transport problems as plain errors.
func classifyPlayError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: play lookup: %v", ErrVerificationFailed, ctx.Err())
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: play purchase: %s", ErrVerificationFailed, apiErr.Message)
		}
	}
	return fmt.Errorf("play lookup: %w", err)
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
