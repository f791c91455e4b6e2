package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/codec"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/facts"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/receipt"
)

// Dispatcher turns decoded provider notifications into facts. Each provider
// has a table keyed by its own notification type; anything not in a table
// becomes facts.Ignored.
type Dispatcher struct {
	catalog *catalog.Catalog
	play    receipt.PlayClient
	now     func() time.Time
}

func NewDispatcher(c *catalog.Catalog, play receipt.PlayClient) *Dispatcher {
	return &Dispatcher{catalog: c, play: play, now: time.Now}
}

type appStoreMapper func(*codec.AppStoreNotification) facts.Fact

var appStoreFacts = map[string]appStoreMapper{
	"SUBSCRIBED":                appStoreSubscribed,
	"DID_RENEW":                 appStoreRenewed,
	"DID_CHANGE_RENEWAL_PREF":   appStoreRenewalPref,
	"DID_CHANGE_RENEWAL_STATUS": appStoreRenewalStatus,
	"OFFER_REDEEMED":            appStoreOfferRedeemed,
	"EXPIRED":                   appStoreExpired,
	"GRACE_PERIOD_EXPIRED":      appStoreExpired,
	"REFUND":                    appStoreRevoked,
	"REVOKE":                    appStoreRevoked,
}

// AppStoreFacts maps an App Store notification. Types that act on a
// purchase must carry a transaction; one that does not is malformed.
func (d *Dispatcher) AppStoreFacts(n *codec.AppStoreNotification) (facts.Fact, error) {
	mapper, ok := appStoreFacts[n.Type]
	if !ok {
		return facts.Ignored{Provider: facts.ProviderAppStore, Type: n.Type}, nil
	}
	if n.Transaction == nil {
		return nil, fmt.Errorf("%w: %s without transaction info", codec.ErrMalformedEnvelope, n.Type)
	}
	return mapper(n), nil
}

func appStoreSubscribed(n *codec.AppStoreNotification) facts.Fact {
	t := n.Transaction
	account, _ := uuid.Parse(t.AppAccountToken)
	autoRenew := true
	if n.Renewal != nil {
		autoRenew = n.Renewal.AutoRenewStatus
	}
	return facts.Subscribed{
		Provider:              facts.ProviderAppStore,
		AccountID:             account,
		OriginalTransactionID: t.OriginalTransactionID,
		TransactionID:         t.TransactionID,
		ProductID:             t.ProductID,
		PurchasedAt:           t.PurchaseDate,
		ExpiresAt:             t.ExpiresDate,
		AutoRenew:             autoRenew,
		IsTrial:               t.OfferDiscountType == "FREE_TRIAL",
	}
}

func appStoreRenewed(n *codec.AppStoreNotification) facts.Fact {
	t := n.Transaction
	return facts.Renewed{
		Provider:              facts.ProviderAppStore,
		OriginalTransactionID: t.OriginalTransactionID,
		TransactionID:         t.TransactionID,
		ProductID:             t.ProductID,
		ExpiresAt:             t.ExpiresDate,
	}
}

// An upgrade takes effect immediately with a new transaction; other
// preference changes only affect the next renewal.
func appStoreRenewalPref(n *codec.AppStoreNotification) facts.Fact {
	if n.Subtype == "UPGRADE" {
		return appStoreRenewed(n)
	}
	autoRenew := true
	if n.Renewal != nil {
		autoRenew = n.Renewal.AutoRenewStatus
	}
	return facts.RenewalPrefChanged{
		Provider:              facts.ProviderAppStore,
		OriginalTransactionID: n.Transaction.OriginalTransactionID,
		AutoRenew:             autoRenew,
	}
}

func appStoreRenewalStatus(n *codec.AppStoreNotification) facts.Fact {
	autoRenew := n.Subtype == "AUTO_RENEW_ENABLED"
	if n.Subtype == "" && n.Renewal != nil {
		autoRenew = n.Renewal.AutoRenewStatus
	}
	return facts.RenewalPrefChanged{
		Provider:              facts.ProviderAppStore,
		OriginalTransactionID: n.Transaction.OriginalTransactionID,
		AutoRenew:             autoRenew,
	}
}

func appStoreOfferRedeemed(n *codec.AppStoreNotification) facts.Fact {
	t := n.Transaction
	if t.OfferIdentifier == "" {
		return appStoreRenewed(n)
	}
	return facts.OfferRedeemed{
		Provider:              facts.ProviderAppStore,
		OriginalTransactionID: t.OriginalTransactionID,
		TransactionID:         t.TransactionID,
		ProductID:             t.ProductID,
		OfferID:               t.OfferIdentifier,
		ExpiresAt:             t.ExpiresDate,
	}
}

func appStoreExpired(n *codec.AppStoreNotification) facts.Fact {
	return facts.Expired{Provider: facts.ProviderAppStore, OriginalTransactionID: n.Transaction.OriginalTransactionID}
}

func appStoreRevoked(n *codec.AppStoreNotification) facts.Fact {
	return facts.Revoked{
		Provider:              facts.ProviderAppStore,
		OriginalTransactionID: n.Transaction.OriginalTransactionID,
		TransactionID:         n.Transaction.TransactionID,
	}
}

type playMapper func(context.Context, *Dispatcher, *codec.PlayNotification) (facts.Fact, error)

var playFacts = map[int]playMapper{
	codec.PlayRecovered: playRenewed,
	codec.PlayRenewed:   playRenewed,
	codec.PlayRestarted: playRenewed,
	codec.PlayPurchased: playPurchased,
	codec.PlayCanceled: func(_ context.Context, _ *Dispatcher, n *codec.PlayNotification) (facts.Fact, error) {
		return facts.Cancelled{Provider: facts.ProviderPlay, OriginalTransactionID: n.PurchaseToken}, nil
	},
	codec.PlayExpired: func(_ context.Context, _ *Dispatcher, n *codec.PlayNotification) (facts.Fact, error) {
		return facts.Expired{Provider: facts.ProviderPlay, OriginalTransactionID: n.PurchaseToken}, nil
	},
	codec.PlayRevoked: func(_ context.Context, _ *Dispatcher, n *codec.PlayNotification) (facts.Fact, error) {
		return facts.Revoked{Provider: facts.ProviderPlay, OriginalTransactionID: n.PurchaseToken}, nil
	},
}

// PlayFacts maps a Play notification. Renewals and purchases carry no
// expiry, so those look the purchase up through the Play client first.
func (d *Dispatcher) PlayFacts(ctx context.Context, n *codec.PlayNotification) (facts.Fact, error) {
	mapper, ok := playFacts[n.Type]
	if !ok {
		return facts.Ignored{Provider: facts.ProviderPlay, Type: strconv.Itoa(n.Type)}, nil
	}
	return mapper(ctx, d, n)
}

func (d *Dispatcher) lookupPlay(ctx context.Context, n *codec.PlayNotification) (*receipt.PlaySubscription, error) {
	if d.play == nil {
		return nil, errors.New("play client not configured")
	}
	return d.play.GetSubscription(ctx, n.SubscriptionID, n.PurchaseToken)
}

func playRenewed(ctx context.Context, d *Dispatcher, n *codec.PlayNotification) (facts.Fact, error) {
	sub, err := d.lookupPlay(ctx, n)
	if errors.Is(err, receipt.ErrVerificationFailed) {
		slog.Warn("play renewal for unknown purchase", "provider", facts.ProviderPlay, "original_transaction_id", n.PurchaseToken, "error", err)
		return facts.Ignored{Provider: facts.ProviderPlay, Type: strconv.Itoa(n.Type)}, nil
	}
	if err != nil {
		return nil, err
	}
	return facts.Renewed{
		Provider:              facts.ProviderPlay,
		OriginalTransactionID: n.PurchaseToken,
		TransactionID:         sub.OrderID,
		ProductID:             n.SubscriptionID,
		ExpiresAt:             sub.ExpiryTime,
	}, nil
}

func playPurchased(ctx context.Context, d *Dispatcher, n *codec.PlayNotification) (facts.Fact, error) {
	sub, err := d.lookupPlay(ctx, n)
	if errors.Is(err, receipt.ErrVerificationFailed) {
		slog.Warn("play purchase for unknown token", "provider", facts.ProviderPlay, "original_transaction_id", n.PurchaseToken, "error", err)
		return facts.Ignored{Provider: facts.ProviderPlay, Type: strconv.Itoa(n.Type)}, nil
	}
	if err != nil {
		return nil, err
	}

	if !sub.Acknowledged {
		if err := d.play.Acknowledge(ctx, n.SubscriptionID, n.PurchaseToken); err != nil {
			slog.Warn("play acknowledgement failed", "provider", facts.ProviderPlay, "transaction_id", sub.OrderID, "error", err)
		}
	}

	account, _ := uuid.Parse(sub.AccountID)
	return facts.Subscribed{
		Provider:              facts.ProviderPlay,
		AccountID:             account,
		OriginalTransactionID: n.PurchaseToken,
		TransactionID:         sub.OrderID,
		ProductID:             n.SubscriptionID,
		PurchasedAt:           sub.StartTime,
		ExpiresAt:             sub.ExpiryTime,
		AutoRenew:             sub.AutoRenewing,
	}, nil
}

type stripeMapper func(*Dispatcher, *codec.StripeEvent) facts.Fact

var stripeFacts = map[string]stripeMapper{
	codec.StripeCheckoutCompleted:   stripeCheckout,
	codec.StripeInvoicePaid:         stripeInvoice,
	codec.StripeInvoicePaymentOK:    stripeInvoice,
	codec.StripeSubscriptionDeleted: stripeSubscriptionDeleted,
}

// StripeFacts maps a verified Stripe event.
func (d *Dispatcher) StripeFacts(e *codec.StripeEvent) facts.Fact {
	mapper, ok := stripeFacts[e.Type]
	if !ok {
		return facts.Ignored{Provider: facts.ProviderStripe, Type: e.Type}
	}
	return mapper(d, e)
}

func stripeIgnored(e *codec.StripeEvent, reason string) facts.Fact {
	slog.Warn("stripe event not reconciled", "provider", facts.ProviderStripe, "transaction_id", e.ID, "event_type", e.Type, "reason", reason)
	return facts.Ignored{Provider: facts.ProviderStripe, Type: e.Type}
}

func stripeCheckout(d *Dispatcher, e *codec.StripeEvent) facts.Fact {
	s := e.Checkout
	if s == nil {
		return stripeIgnored(e, "missing checkout session")
	}
	if s.PaymentStatus == "unpaid" {
		return stripeIgnored(e, "checkout unpaid")
	}

	productID := s.Metadata["product"]
	priceID := s.Metadata["price_id"]
	product, ok := d.catalog.Get(productID)
	if !ok && priceID != "" {
		product, ok = d.catalog.ByPrice(priceID)
	}
	if !ok {
		slog.Error("checkout for product missing from catalog", "provider", facts.ProviderStripe,
			"transaction_id", s.ID, "product_id", productID, "price_id", priceID)
		return facts.Ignored{Provider: facts.ProviderStripe, Type: e.Type}
	}

	subscriptionID := s.ID
	if s.Subscription != nil && s.Subscription.ID != "" {
		subscriptionID = s.Subscription.ID
	}

	if s.Metadata["account_type"] == "company" || product.Kind == catalog.PlanCompany {
		company, err := uuid.Parse(firstNonEmpty(s.Metadata["company_id"], s.ClientReferenceID))
		if err != nil {
			return stripeIgnored(e, "checkout without company id")
		}
		seats, err := strconv.Atoi(s.Metadata["seats"])
		if err != nil || seats <= 0 {
			return stripeIgnored(e, "checkout without seat count")
		}
		seatPrice := product.SeatPrice
		if v, err := strconv.ParseInt(s.Metadata["seat_price"], 10, 64); err == nil && v > 0 {
			seatPrice = v
		}
		return facts.SeatsPurchased{
			CompanyID:      company,
			SubscriptionID: subscriptionID,
			SessionID:      s.ID,
			ProductID:      product.ProductID,
			PriceID:        priceID,
			Seats:          seats,
			SeatPrice:      seatPrice,
			TermDays:       product.TermDays,
		}
	}

	account, err := uuid.Parse(firstNonEmpty(s.Metadata["user_id"], s.ClientReferenceID))
	if err != nil {
		return stripeIgnored(e, "checkout without user id")
	}
	return facts.CheckoutCompleted{
		AccountID:      account,
		SubscriptionID: subscriptionID,
		SessionID:      s.ID,
		ProductID:      product.ProductID,
		PriceID:        priceID,
		ExpiresAt:      d.now().UTC().AddDate(0, 0, product.TermDays),
	}
}

func stripeInvoice(_ *Dispatcher, e *codec.StripeEvent) facts.Fact {
	inv := e.Invoice
	if inv == nil || inv.SubscriptionID() == "" {
		return stripeIgnored(e, "invoice without subscription")
	}
	end := inv.CoveredUntil()
	if end == 0 {
		return stripeIgnored(e, "invoice without period")
	}
	return facts.InvoicePaid{
		SubscriptionID: inv.SubscriptionID(),
		InvoiceID:      inv.ID,
		PeriodEnd:      time.Unix(end, 0).UTC(),
	}
}

func stripeSubscriptionDeleted(_ *Dispatcher, e *codec.StripeEvent) facts.Fact {
	if e.Subscription == nil || e.Subscription.ID == "" {
		return stripeIgnored(e, "deletion without subscription")
	}
	return facts.Revoked{
		Provider:              facts.ProviderStripe,
		OriginalTransactionID: e.Subscription.ID,
		TransactionID:         e.ID,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
