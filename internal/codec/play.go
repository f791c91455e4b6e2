package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
)

// Play real-time developer notification subscription types.
const (
	PlayRecovered            = 1
	PlayRenewed              = 2
	PlayCanceled             = 3
	PlayPurchased            = 4
	PlayOnHold               = 5
	PlayInGracePeriod        = 6
	PlayRestarted            = 7
	PlayPriceChangeConfirmed = 8
	PlayDeferred             = 9
	PlayPaused               = 10
	PlayPauseScheduleChanged = 11
	PlayRevoked              = 12
	PlayExpired              = 13
	PlayPendingCanceled      = 20
)

type PlayNotification struct {
	Type int
	// PurchaseToken identifies the purchase lineage.
	PurchaseToken  string
	SubscriptionID string
	PackageName    string
	MessageID      string
	EventTime      time.Time
}

type PlayDecoder struct {
	packageName string
}

// NewPlayDecoder rejects notifications for other packages when packageName
// is set.
func NewPlayDecoder(packageName string) *PlayDecoder {
	return &PlayDecoder{packageName: packageName}
}

// Decode takes the raw Pub/Sub push body.
func (d *PlayDecoder) Decode(raw []byte) (*PlayNotification, error) {
	var envelope dto.PlayPushWebhook
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if envelope.Message.Data == "" {
		return nil, fmt.Errorf("%w: empty message data", ErrMalformedEnvelope)
	}

	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		// Some publishers drop the padding.
		data, err = base64.RawStdEncoding.DecodeString(envelope.Message.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: message data: %v", ErrMalformedEnvelope, err)
		}
	}

	var notification dto.PlayDeveloperNotification
	if err := json.Unmarshal(data, &notification); err != nil {
		return nil, fmt.Errorf("%w: developer notification: %v", ErrMalformedEnvelope, err)
	}
	sub := notification.SubscriptionNotification
	if sub == nil {
		return nil, fmt.Errorf("%w: no subscriptionNotification", ErrMalformedEnvelope)
	}
	if sub.PurchaseToken == "" {
		return nil, fmt.Errorf("%w: missing purchaseToken", ErrMalformedEnvelope)
	}
	if d.packageName != "" && notification.PackageName != d.packageName {
		return nil, fmt.Errorf("%w: package %q", ErrMalformedEnvelope, notification.PackageName)
	}

	n := &PlayNotification{
		Type:           sub.NotificationType,
		PurchaseToken:  sub.PurchaseToken,
		SubscriptionID: sub.SubscriptionID,
		PackageName:    notification.PackageName,
		MessageID:      envelope.Message.MessageID,
	}
	if ms, err := strconv.ParseInt(notification.EventTimeMillis, 10, 64); err == nil {
		n.EventTime = time.UnixMilli(ms).UTC()
	}
	return n, nil
}
