package codec

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pushBody(t *testing.T, data string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString([]byte(data)),
			"messageId": "136969346945",
		},
		"subscription": "projects/app/subscriptions/play-rtdn",
	})
	require.NoError(t, err)
	return body
}

func TestPlayDecode(t *testing.T) {
	d := NewPlayDecoder("com.example.wellness")

	n, err := d.Decode(pushBody(t, `{
		"version": "1.0",
		"packageName": "com.example.wellness",
		"eventTimeMillis": "1767225600000",
		"subscriptionNotification": {
			"version": "1.0",
			"notificationType": 2,
			"purchaseToken": "tok-1",
			"subscriptionId": "premium_monthly"
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, PlayRenewed, n.Type)
	assert.Equal(t, "tok-1", n.PurchaseToken)
	assert.Equal(t, "premium_monthly", n.SubscriptionID)
	assert.Equal(t, "136969346945", n.MessageID)
	assert.EqualValues(t, 1767225600000, n.EventTime.UnixMilli())
}

func TestPlayDecodeRejects(t *testing.T) {
	d := NewPlayDecoder("com.example.wellness")

	cases := map[string][]byte{
		"not json":      []byte("nope"),
		"no data":       []byte(`{"message":{}}`),
		"bad base64":    []byte(`{"message":{"data":"%%%"}}`),
		"bad inner":     pushBody(t, "{"),
		"test message":  pushBody(t, `{"packageName":"com.example.wellness","testNotification":{"version":"1.0"}}`),
		"no token":      pushBody(t, `{"packageName":"com.example.wellness","subscriptionNotification":{"notificationType":2}}`),
		"other package": pushBody(t, `{"packageName":"com.other","subscriptionNotification":{"notificationType":2,"purchaseToken":"t"}}`),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := d.Decode(body)
			assert.ErrorIs(t, err, ErrMalformedEnvelope)
		})
	}
}
