package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
	"gorm.io/gorm"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/codec"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/delivery"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/ledger"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/models"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/receipt"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/reconciler"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/services"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/testutil"
)

const (
	bundleID     = "com.example.wellness"
	stripeSecret = "whsec_test_secret"
)

type fakePlay struct {
	subs map[string]*receipt.PlaySubscription
}

func (f *fakePlay) GetSubscription(_ context.Context, _, token string) (*receipt.PlaySubscription, error) {
	sub, ok := f.subs[token]
	if !ok {
		return nil, receipt.ErrVerificationFailed
	}
	return sub, nil
}

func (f *fakePlay) Acknowledge(context.Context, string, string) error { return nil }

type webhookEnv struct {
	app     *fiber.App
	db      *gorm.DB
	chain   *testutil.AppleChain
	play    *fakePlay
	metrics *metrics.Metrics
}

func newWebhookEnv(t *testing.T, cache *delivery.Cache) *webhookEnv {
	t.Helper()
	db := testutil.NewDB(t)
	chain := testutil.NewAppleChain(t)

	appStore, err := codec.NewAppStoreDecoder(codec.AppStoreOptions{RootPEM: chain.RootPEM, BundleID: bundleID})
	require.NoError(t, err)

	c := catalog.New()
	require.NoError(t, c.Register(&catalog.Product{ProductID: "premium_monthly", TermDays: 30, PriceIDs: []string{"price_m"}}))

	play := &fakePlay{subs: map[string]*receipt.PlaySubscription{}}
	m := metrics.New()
	l := ledger.New(db)
	h := NewWebhookHandler(WebhookDeps{
		AppStore:   appStore,
		Play:       codec.NewPlayDecoder(bundleID),
		Stripe:     codec.NewStripeDecoder(stripeSecret),
		Dispatcher: reconciler.NewDispatcher(c, play),
		Reconciler: reconciler.New(l, services.NewAccountService(db), nil, reconciler.WithMetrics(m)),
		Deliveries: cache,
		Metrics:    m,
	})

	app := fiber.New()
	app.Post("/webhooks/ios-notifications", h.AppStore)
	app.Post("/webhooks/android-notifications", h.Play)
	app.Post("/webhooks/processor", h.Stripe)
	return &webhookEnv{app: app, db: db, chain: chain, play: play, metrics: m}
}

func (e *webhookEnv) post(t *testing.T, path string, body []byte, headers map[string]string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func (e *webhookEnv) appStoreBody(t *testing.T, typ, notificationUUID string, txn dto.AppStoreTransaction) []byte {
	t.Helper()
	payload := dto.AppStoreNotificationPayload{
		NotificationType: typ,
		NotificationUUID: notificationUUID,
		SignedDate:       time.Now().UnixMilli(),
		Data: dto.AppStoreNotification{
			BundleID:              bundleID,
			Environment:           "Sandbox",
			SignedTransactionInfo: e.chain.Sign(t, txn),
		},
	}
	body, err := json.Marshal(dto.AppStoreWebhook{SignedPayload: e.chain.Sign(t, payload)})
	require.NoError(t, err)
	return body
}

func (e *webhookEnv) historyCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&models.TransactionHistory{}).Count(&n).Error)
	return n
}

func transaction(account uuid.UUID, txnID string, expires time.Time) dto.AppStoreTransaction {
	return dto.AppStoreTransaction{
		TransactionID:         txnID,
		OriginalTransactionID: "L1",
		BundleID:              bundleID,
		ProductID:             "premium_monthly",
		PurchaseDate:          time.Now().UnixMilli(),
		ExpiresDate:           expires.UnixMilli(),
		AppAccountToken:       account.String(),
	}
}

func TestAppStoreWebhookRenewalIsIdempotent(t *testing.T) {
	env := newWebhookEnv(t, nil)
	account := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	status, body := env.post(t, "/webhooks/ios-notifications",
		env.appStoreBody(t, "SUBSCRIBED", uuid.NewString(), transaction(account, "T0", now.Add(24*time.Hour))), nil)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.JSONEq(t, `{"received":true}`, body)

	renewal := env.appStoreBody(t, "DID_RENEW", uuid.NewString(), transaction(account, "T1", now.AddDate(0, 1, 0)))
	for i := 0; i < 2; i++ {
		status, body = env.post(t, "/webhooks/ios-notifications", renewal, nil)
		require.Equal(t, fiber.StatusOK, status, body)
	}

	var rows []models.TransactionHistory
	require.NoError(t, env.db.Where("transaction_id = ?", "T1").Find(&rows).Error)
	assert.Len(t, rows, 1)
	assert.EqualValues(t, 2, env.historyCount(t))

	var sub models.Subscription
	require.NoError(t, env.db.Where("account_id = ?", account).First(&sub).Error)
	assert.True(t, sub.ExpiresAt.Equal(now.AddDate(0, 1, 0)))

	var user models.User
	require.NoError(t, env.db.First(&user, "id = ?", account).Error)
	assert.Equal(t, models.AccountTypePaid, user.AccountType)

	assert.Equal(t, 1.0, promtest.ToFloat64(env.metrics.Reconciled.WithLabelValues("app_store", "renewed", "duplicate")))
	assert.Equal(t, 3.0, promtest.ToFloat64(env.metrics.Deliveries.WithLabelValues("app_store", "accepted")))
}

func TestAppStoreWebhookReplayCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := delivery.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), delivery.DefaultTTL)
	env := newWebhookEnv(t, cache)

	body := env.appStoreBody(t, "SUBSCRIBED", "b8a5b2e4-6c2f-4b7e-9a51-0a7f3f2c9d10",
		transaction(uuid.New(), "T0", time.Now().Add(time.Hour)))
	for i := 0; i < 3; i++ {
		status, _ := env.post(t, "/webhooks/ios-notifications", body, nil)
		require.Equal(t, fiber.StatusOK, status)
	}

	assert.True(t, mr.Exists("delivery:app_store:b8a5b2e4-6c2f-4b7e-9a51-0a7f3f2c9d10"))
	assert.Equal(t, 2.0, promtest.ToFloat64(env.metrics.Deliveries.WithLabelValues("app_store", "replayed")))
	assert.EqualValues(t, 1, env.historyCount(t))
}

func TestAppStoreWebhookRejectsForgeries(t *testing.T) {
	env := newWebhookEnv(t, nil)

	forged := testutil.NewAppleChain(t)
	payload := dto.AppStoreNotificationPayload{
		NotificationType: "SUBSCRIBED",
		NotificationUUID: uuid.NewString(),
		Data: dto.AppStoreNotification{
			BundleID:              bundleID,
			SignedTransactionInfo: forged.Sign(t, transaction(uuid.New(), "T0", time.Now().Add(time.Hour))),
		},
	}
	body, err := json.Marshal(dto.AppStoreWebhook{SignedPayload: forged.Sign(t, payload)})
	require.NoError(t, err)

	status, resp := env.post(t, "/webhooks/ios-notifications", body, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Contains(t, resp, "signature")

	status, _ = env.post(t, "/webhooks/ios-notifications", []byte(`{"signedPayload":""}`), nil)
	assert.Equal(t, fiber.StatusBadRequest, status)

	assert.Zero(t, env.historyCount(t))
	assert.Equal(t, 2.0, promtest.ToFloat64(env.metrics.Deliveries.WithLabelValues("app_store", "rejected")))
}

func TestAppStoreWebhookUnmatchedIsAcknowledged(t *testing.T) {
	env := newWebhookEnv(t, nil)

	status, body := env.post(t, "/webhooks/ios-notifications",
		env.appStoreBody(t, "DID_RENEW", uuid.NewString(), transaction(uuid.New(), "T5", time.Now().Add(time.Hour))), nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.JSONEq(t, `{"received":true}`, body)
	assert.Zero(t, env.historyCount(t))
}

func playBody(t *testing.T, notificationType int, token string) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"version":         "1.0",
		"packageName":     bundleID,
		"eventTimeMillis": "1767225600000",
		"subscriptionNotification": map[string]any{
			"version":          "1.0",
			"notificationType": notificationType,
			"purchaseToken":    token,
			"subscriptionId":   "premium_monthly",
		},
	})
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": uuid.NewString(),
		},
	})
	require.NoError(t, err)
	return body
}

func TestPlayWebhook(t *testing.T) {
	env := newWebhookEnv(t, nil)
	account := uuid.New()
	expires := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Millisecond)
	env.play.subs["tok-1"] = &receipt.PlaySubscription{
		OrderID: "GPA.1", StartTime: time.Now().UTC(), ExpiryTime: expires,
		AutoRenewing: true, Acknowledged: true, AccountID: account.String(),
	}

	status, body := env.post(t, "/webhooks/android-notifications", playBody(t, codec.PlayPurchased, "tok-1"), nil)
	require.Equal(t, fiber.StatusOK, status, body)

	var sub models.Subscription
	require.NoError(t, env.db.Where("account_id = ?", account).First(&sub).Error)
	assert.Equal(t, "tok-1", sub.OriginalTransactionID)
	assert.Equal(t, models.DeviceAndroid, sub.PurchasedFromDevice)

	status, _ = env.post(t, "/webhooks/android-notifications", playBody(t, codec.PlayCanceled, "tok-1"), nil)
	require.Equal(t, fiber.StatusOK, status)
	require.NoError(t, env.db.Where("account_id = ?", account).First(&sub).Error)
	assert.False(t, sub.AutoRenew)

	status, _ = env.post(t, "/webhooks/android-notifications", []byte(`{"message":{"data":"not base64!"}}`), nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func signStripe(t *testing.T, payload string) string {
	t.Helper()
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    stripeSecret,
		Timestamp: time.Now(),
	}).Header
}

func TestStripeWebhookCheckout(t *testing.T) {
	env := newWebhookEnv(t, nil)
	account := uuid.New()
	payload := `{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","object":"checkout.session","payment_status":"paid","client_reference_id":"` + account.String() + `",
		"subscription":"sub_1","metadata":{"price_id":"price_m"}}}}`

	status, body := env.post(t, "/webhooks/processor", []byte(payload), map[string]string{"Stripe-Signature": signStripe(t, payload)})
	require.Equal(t, fiber.StatusOK, status, body)

	var sub models.Subscription
	require.NoError(t, env.db.Where("account_id = ?", account).First(&sub).Error)
	assert.Equal(t, "sub_1", sub.OriginalTransactionID)
	assert.Equal(t, models.DeviceWeb, sub.PurchasedFromDevice)

	status, _ = env.post(t, "/webhooks/processor", []byte(payload), map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestWebhookStorageFailureAsksForRedelivery(t *testing.T) {
	env := newWebhookEnv(t, nil)
	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	status, _ := env.post(t, "/webhooks/ios-notifications",
		env.appStoreBody(t, "SUBSCRIBED", uuid.NewString(), transaction(uuid.New(), "T0", time.Now().Add(time.Hour))), nil)
	assert.Equal(t, fiber.StatusInternalServerError, status)
	assert.Equal(t, 1.0, promtest.ToFloat64(env.metrics.Deliveries.WithLabelValues("app_store", "failed")))
}
