// Package facts defines the provider-independent purchase facts that every
// codec and the receipt verifier produce and the reconciler consumes.
package facts

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/models"
)

type Provider string

const (
	ProviderAppStore Provider = "app_store"
	ProviderPlay     Provider = "play"
	ProviderStripe   Provider = "stripe"
)

// Device maps a provider to the storefront the purchase came from.
func (p Provider) Device() models.Device {
	switch p {
	case ProviderAppStore:
		return models.DeviceIOS
	case ProviderPlay:
		return models.DeviceAndroid
	default:
		return models.DeviceWeb
	}
}

type Kind string

const (
	KindSubscribed         Kind = "subscribed"
	KindRenewed            Kind = "renewed"
	KindRenewalPrefChanged Kind = "renewal_pref_changed"
	KindOfferRedeemed      Kind = "offer_redeemed"
	KindExpired            Kind = "expired"
	KindCancelled          Kind = "cancelled"
	KindRevoked            Kind = "revoked"
	KindCheckoutCompleted  Kind = "checkout_completed"
	KindSeatsPurchased     Kind = "seats_purchased"
	KindInvoicePaid        Kind = "invoice_paid"
	KindIgnored            Kind = "ignored"
)

// Fact is a closed union; only the types in this package implement it.
type Fact interface {
	Kind() Kind
	Source() Provider
	isFact()
}

// Subscribed is a first verified purchase of a lineage, from a webhook or
// from a client-submitted receipt.
type Subscribed struct {
	Provider              Provider
	AccountID             uuid.UUID
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	PurchasedAt           time.Time
	ExpiresAt             time.Time
	AutoRenew             bool
	IsTrial               bool
	PriceID               string
}

type Renewed struct {
	Provider              Provider
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	ExpiresAt             time.Time
}

type RenewalPrefChanged struct {
	Provider              Provider
	OriginalTransactionID string
	AutoRenew             bool
}

type OfferRedeemed struct {
	Provider              Provider
	OriginalTransactionID string
	TransactionID         string
	ProductID             string
	OfferID               string
	ExpiresAt             time.Time
}

type Expired struct {
	Provider              Provider
	OriginalTransactionID string
}

// Cancelled means the user turned renewal off; access runs until expiry.
type Cancelled struct {
	Provider              Provider
	OriginalTransactionID string
}

// Revoked ends the entitlement immediately (refund, revoke, deletion).
type Revoked struct {
	Provider              Provider
	OriginalTransactionID string
	TransactionID         string
}

// CheckoutCompleted is an individual Stripe checkout.
type CheckoutCompleted struct {
	AccountID      uuid.UUID
	SubscriptionID string
	SessionID      string
	ProductID      string
	PriceID        string
	ExpiresAt      time.Time
}

// SeatsPurchased is a company seat-pool Stripe checkout.
type SeatsPurchased struct {
	CompanyID      uuid.UUID
	SubscriptionID string
	SessionID      string
	ProductID      string
	PriceID        string
	Seats          int
	SeatPrice      int64
	TermDays       int
}

type InvoicePaid struct {
	SubscriptionID string
	InvoiceID      string
	PeriodEnd      time.Time
}

// Ignored carries notification types the reconciler acknowledges without acting.
type Ignored struct {
	Provider Provider
	Type     string
}

func (Subscribed) Kind() Kind         { return KindSubscribed }
func (Renewed) Kind() Kind            { return KindRenewed }
func (RenewalPrefChanged) Kind() Kind { return KindRenewalPrefChanged }
func (OfferRedeemed) Kind() Kind      { return KindOfferRedeemed }
func (Expired) Kind() Kind            { return KindExpired }
func (Cancelled) Kind() Kind          { return KindCancelled }
func (Revoked) Kind() Kind            { return KindRevoked }
func (CheckoutCompleted) Kind() Kind  { return KindCheckoutCompleted }
func (SeatsPurchased) Kind() Kind     { return KindSeatsPurchased }
func (InvoicePaid) Kind() Kind        { return KindInvoicePaid }
func (Ignored) Kind() Kind            { return KindIgnored }

func (f Subscribed) Source() Provider         { return f.Provider }
func (f Renewed) Source() Provider            { return f.Provider }
func (f RenewalPrefChanged) Source() Provider { return f.Provider }
func (f OfferRedeemed) Source() Provider      { return f.Provider }
func (f Expired) Source() Provider            { return f.Provider }
func (f Cancelled) Source() Provider          { return f.Provider }
func (f Revoked) Source() Provider            { return f.Provider }
func (CheckoutCompleted) Source() Provider    { return ProviderStripe }
func (SeatsPurchased) Source() Provider       { return ProviderStripe }
func (InvoicePaid) Source() Provider          { return ProviderStripe }
func (f Ignored) Source() Provider            { return f.Provider }

func (Subscribed) isFact()         {}
func (Renewed) isFact()            {}
func (RenewalPrefChanged) isFact() {}
func (OfferRedeemed) isFact()      {}
func (Expired) isFact()            {}
func (Cancelled) isFact()          {}
func (Revoked) isFact()            {}
func (CheckoutCompleted) isFact()  {}
func (SeatsPurchased) isFact()     {}
func (InvoicePaid) isFact()        {}
func (Ignored) isFact()            {}
