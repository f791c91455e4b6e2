package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
)

const (
	StripeCheckoutCompleted   = "checkout.session.completed"
	StripeInvoicePaid         = "invoice.paid"
	StripeInvoicePaymentOK    = "invoice.payment_succeeded"
	StripeSubscriptionDeleted = "customer.subscription.deleted"
)

type StripeEvent struct {
	ID   string
	Type string

	// Exactly one of these is set for the event types above.
	Checkout     *stripe.CheckoutSession
	Invoice      *dto.StripeInvoice
	Subscription *stripe.Subscription
}

type StripeDecoder struct {
	secret string
}

func NewStripeDecoder(signingSecret string) *StripeDecoder {
	return &StripeDecoder{secret: signingSecret}
}

// Decode checks the Stripe-Signature header against the raw body before
// reading anything from it.
func (d *StripeDecoder) Decode(raw []byte, signatureHeader string) (*StripeEvent, error) {
	if d.secret == "" {
		return nil, fmt.Errorf("%w: webhook signing secret not configured", ErrUnverifiableSignature)
	}

	event, err := webhook.ConstructEventWithOptions(raw, signatureHeader, d.secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isStripeSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnverifiableSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: event without type", ErrMalformedEnvelope)
	}

	out := &StripeEvent{ID: event.ID, Type: string(event.Type)}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case StripeCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedEnvelope, err)
		}
		out.Checkout = &session
	case StripeInvoicePaid, StripeInvoicePaymentOK:
		var invoice dto.StripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", ErrMalformedEnvelope, err)
		}
		out.Invoice = &invoice
	case StripeSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", ErrMalformedEnvelope, err)
		}
		out.Subscription = &sub
	}
	return out, nil
}

func isStripeSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
