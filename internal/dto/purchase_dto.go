package dto

import "time"

type VerifyPurchaseRequest struct {
	ReceiptData string `json:"receiptData"`
	ProductID   string `json:"productId,omitempty"`
}

type SubscriptionResponse struct {
	ProductID             string    `json:"productId"`
	OriginalTransactionID string    `json:"originalTransactionId"`
	ExpiresAt             time.Time `json:"expiresAt"`
	AutoRenew             bool      `json:"autoRenew"`
	IsTrial               bool      `json:"isTrial"`
	Device                string    `json:"device"`
}

type VerifyPurchaseResponse struct {
	Outcome      string                `json:"outcome"`
	Subscription *SubscriptionResponse `json:"subscription,omitempty"`
}

type OfferSignatureRequest struct {
	AppBundleID         string `query:"appBundleID"`
	ProductIdentifier   string `query:"productIdentifier"`
	OfferID             string `query:"offerID"`
	ApplicationUsername string `query:"applicationUsername"`
}

type OfferSignatureResponse struct {
	KeyID     string `json:"keyId"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}
