package dto

// AppStoreWebhook is the body Apple posts for App Store Server Notifications V2.
type AppStoreWebhook struct {
	SignedPayload string `json:"signedPayload"`
}

// AppStoreNotificationPayload is the decoded outer JWS.
type AppStoreNotificationPayload struct {
	NotificationType string               `json:"notificationType"`
	Subtype          string               `json:"subtype,omitempty"`
	NotificationUUID string               `json:"notificationUUID"`
	Version          string               `json:"version,omitempty"`
	SignedDate       int64                `json:"signedDate"`
	Data             AppStoreNotification `json:"data"`
}

type AppStoreNotification struct {
	AppAppleID            int64  `json:"appAppleId,omitempty"`
	BundleID              string `json:"bundleId"`
	BundleVersion         string `json:"bundleVersion,omitempty"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo,omitempty"`
	SignedRenewalInfo     string `json:"signedRenewalInfo,omitempty"`
	Status                int    `json:"status,omitempty"`
}

// AppStoreTransaction is the decoded signedTransactionInfo.
type AppStoreTransaction struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	WebOrderLineItemID    string `json:"webOrderLineItemId,omitempty"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	Type                  string `json:"type,omitempty"`
	AppAccountToken       string `json:"appAccountToken,omitempty"`
	InAppOwnershipType    string `json:"inAppOwnershipType,omitempty"`
	OfferIdentifier       string `json:"offerIdentifier,omitempty"`
	OfferType             int    `json:"offerType,omitempty"`
	OfferDiscountType     string `json:"offerDiscountType,omitempty"`
	RevocationDate        int64  `json:"revocationDate,omitempty"`
	RevocationReason      *int   `json:"revocationReason,omitempty"`
	Environment           string `json:"environment,omitempty"`
	Price                 int64  `json:"price,omitempty"`
	Currency              string `json:"currency,omitempty"`
}

// AppStoreRenewal is the decoded signedRenewalInfo.
type AppStoreRenewal struct {
	OriginalTransactionID  string `json:"originalTransactionId"`
	AutoRenewProductID     string `json:"autoRenewProductId"`
	ProductID              string `json:"productId"`
	AutoRenewStatus        int    `json:"autoRenewStatus"`
	ExpirationIntent       int    `json:"expirationIntent,omitempty"`
	IsInBillingRetryPeriod bool   `json:"isInBillingRetryPeriod,omitempty"`
	RenewalDate            int64  `json:"renewalDate,omitempty"`
}

// PlayPushWebhook is the Pub/Sub push envelope for Google Play real-time
// developer notifications.
type PlayPushWebhook struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes,omitempty"`
		PublishTime string            `json:"publishTime,omitempty"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type PlayDeveloperNotification struct {
	Version                    string                   `json:"version"`
	PackageName                string                   `json:"packageName"`
	EventTimeMillis            string                   `json:"eventTimeMillis"`
	SubscriptionNotification   *PlaySubscriptionMessage `json:"subscriptionNotification,omitempty"`
	TestNotification           map[string]any           `json:"testNotification,omitempty"`
	OneTimeProductNotification map[string]any           `json:"oneTimeProductNotification,omitempty"`
}

type PlaySubscriptionMessage struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SubscriptionID   string `json:"subscriptionId"`
}

// StripeInvoice holds the invoice fields reconciliation needs. Stripe moved
// the subscription id under parent.subscription_details; both shapes decode.
type StripeInvoice struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription,omitempty"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details,omitempty"`
	} `json:"parent,omitempty"`
	PeriodEnd int64 `json:"period_end"`
	Lines     struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID returns the processor subscription the invoice bills.
func (i *StripeInvoice) SubscriptionID() string {
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil && i.Parent.SubscriptionDetails.Subscription != "" {
		return i.Parent.SubscriptionDetails.Subscription
	}
	return i.Subscription
}

// CoveredUntil is the latest period end across line items, falling back to
// the invoice period end.
func (i *StripeInvoice) CoveredUntil() int64 {
	end := int64(0)
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	if end == 0 {
		end = i.PeriodEnd
	}
	return end
}

type StripeSubscription struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type WebhookReceived struct {
	Received bool `json:"received"`
}
