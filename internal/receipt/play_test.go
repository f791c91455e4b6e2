package receipt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func playServer(t *testing.T, acked *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		path := r.URL.Path
		assert.Contains(t, path, "/applications/com.example.wellness/purchases/subscriptions/premium_monthly/tokens/")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(path, "/tokens/tok-1:acknowledge"):
			acked.Store(true)
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodGet && strings.HasSuffix(path, "/tokens/tok-1"):
			_, _ = w.Write([]byte(`{
				"kind": "androidpublisher#subscriptionPurchase",
				"orderId": "GPA.3345-1234-5678-90123",
				"startTimeMillis": "1767225600000",
				"expiryTimeMillis": "1769904000000",
				"autoRenewing": true,
				"acknowledgementState": 0,
				"obfuscatedExternalAccountId": "acc-42",
				"priceAmountMicros": "9990000",
				"priceCurrencyCode": "USD"
			}`))
		case strings.HasSuffix(path, "/tokens/gone"):
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"error":{"code":410,"message":"The subscription purchase is no longer available."}}`))
		default:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":{"code":403,"message":"The current user has insufficient permissions."}}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPlay(t *testing.T, srv *httptest.Server) *GooglePlay {
	t.Helper()
	g, err := NewGooglePlay(context.Background(), "com.example.wellness", "",
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return g
}

func TestGooglePlayGetAndAcknowledge(t *testing.T) {
	var acked atomic.Bool
	g := newTestPlay(t, playServer(t, &acked))
	ctx := context.Background()

	sub, err := g.GetSubscription(ctx, "premium_monthly", "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "GPA.3345-1234-5678-90123", sub.OrderID)
	assert.EqualValues(t, 1769904000000, sub.ExpiryTime.UnixMilli())
	assert.True(t, sub.AutoRenewing)
	assert.False(t, sub.Acknowledged)
	assert.Equal(t, "acc-42", sub.AccountID)
	assert.EqualValues(t, 9990000, sub.PriceMicros)

	require.NoError(t, g.Acknowledge(ctx, "premium_monthly", "tok-1"))
	assert.True(t, acked.Load())
}

func TestGooglePlayClassifiesErrors(t *testing.T) {
	var acked atomic.Bool
	g := newTestPlay(t, playServer(t, &acked))

	_, err := g.GetSubscription(context.Background(), "premium_monthly", "gone")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	_, err = g.GetSubscription(context.Background(), "premium_monthly", "forbidden")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrVerificationFailed)
}
