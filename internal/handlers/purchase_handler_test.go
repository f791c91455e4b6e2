package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/config"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/ledger"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/metrics"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/models"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/offers"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/receipt"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/reconciler"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/services"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/testutil"
)

const jwtSecret = "test-jwt-secret"

type fakeApple struct {
	receipts map[string]*receipt.AppleReceipt
}

func (f *fakeApple) Verify(_ context.Context, receiptData, _ string) (*receipt.AppleReceipt, error) {
	r, ok := f.receipts[receiptData]
	if !ok {
		return nil, receipt.ErrVerificationFailed
	}
	return r, nil
}

func bearer(t *testing.T, account uuid.UUID) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": account.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

type clientEnv struct {
	app    *fiber.App
	ledger *ledger.Ledger
	apple  *fakeApple
}

func newClientEnv(t *testing.T, signer func(*ledger.Ledger) *offers.Signer) *clientEnv {
	t.Helper()
	db := testutil.NewDB(t)
	l := ledger.New(db)
	m := metrics.New()
	apple := &fakeApple{receipts: map[string]*receipt.AppleReceipt{}}
	r := reconciler.New(l, services.NewAccountService(db), nil, reconciler.WithMetrics(m))

	purchases := NewPurchaseHandler(receipt.NewVerifier(apple, nil, time.Second), r, l, m)
	var s *offers.Signer
	if signer != nil {
		s = signer(l)
	}
	offerHandler := NewOfferHandler(s, m)

	cfg := &config.Config{JWTSecret: jwtSecret}
	app := fiber.New()
	app.Post("/purchases/verify", middleware.JWTProtected(cfg), purchases.Verify)
	app.Get("/offers/signature", middleware.JWTProtected(cfg), offerHandler.Signature)
	return &clientEnv{app: app, ledger: l, apple: apple}
}

func (e *clientEnv) verify(t *testing.T, account uuid.UUID, device, body string) (*http.Response, dto.VerifyPurchaseResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/purchases/verify", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearer(t, account))
	if device != "" {
		req.Header.Set("X-Device-Type", device)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	var out dto.VerifyPurchaseResponse
	if resp.StatusCode == fiber.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestVerifyPurchaseRecordsSubscription(t *testing.T) {
	env := newClientEnv(t, nil)
	account := uuid.New()
	expires := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	env.apple.receipts["receipt-1"] = &receipt.AppleReceipt{
		OriginalTransactionID: "L1", TransactionID: "T0", ProductID: "premium_monthly",
		PurchasedAt: time.Now().UTC(), ExpiresAt: expires, AutoRenew: true,
	}

	resp, out := env.verify(t, account, "iOS", `{"receiptData":"receipt-1"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, string(ledger.Applied), out.Outcome)
	require.NotNil(t, out.Subscription)
	assert.Equal(t, "L1", out.Subscription.OriginalTransactionID)
	assert.Equal(t, "ios", out.Subscription.Device)
	assert.True(t, out.Subscription.ExpiresAt.Equal(expires))

	// Submitting the same receipt again changes nothing.
	resp, out = env.verify(t, account, "ios", `{"receiptData":"receipt-1"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, string(ledger.Duplicate), out.Outcome)
	require.NotNil(t, out.Subscription)

	sub, err := env.ledger.ActiveSubscription(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, models.DeviceIOS, sub.PurchasedFromDevice)
}

func TestVerifyPurchaseRejectsReceiptOfAnotherAccount(t *testing.T) {
	env := newClientEnv(t, nil)
	owner := uuid.New()
	other := uuid.New()
	env.apple.receipts["receipt-1"] = &receipt.AppleReceipt{
		OriginalTransactionID: "L1", TransactionID: "T0", ProductID: "premium_monthly",
		PurchasedAt: time.Now().UTC(), ExpiresAt: time.Now().UTC().Add(30 * 24 * time.Hour), AutoRenew: true,
	}

	resp, _ := env.verify(t, owner, "ios", `{"receiptData":"receipt-1"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	resp, _ = env.verify(t, other, "ios", `{"receiptData":"receipt-1"}`)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)

	_, err := env.ledger.ActiveSubscription(context.Background(), other)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestVerifyPurchaseFailures(t *testing.T) {
	env := newClientEnv(t, nil)
	env.apple.receipts["lapsed"] = &receipt.AppleReceipt{
		OriginalTransactionID: "L2", TransactionID: "T9", ExpiresAt: time.Now().Add(-time.Hour),
	}
	account := uuid.New()

	tests := []struct {
		name   string
		device string
		body   string
		status int
	}{
		{"missing device", "", `{"receiptData":"x"}`, fiber.StatusBadRequest},
		{"web device", "web", `{"receiptData":"x"}`, fiber.StatusBadRequest},
		{"empty receipt", "ios", `{"receiptData":""}`, fiber.StatusBadRequest},
		{"unknown receipt", "ios", `{"receiptData":"nope"}`, fiber.StatusUnprocessableEntity},
		{"lapsed receipt", "ios", `{"receiptData":"lapsed"}`, fiber.StatusUnprocessableEntity},
		{"play not configured", "android", `{"receiptData":"tok","productId":"premium_monthly"}`, fiber.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, _ := env.verify(t, account, tc.device, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}

	_, err := env.ledger.ActiveSubscription(context.Background(), account)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestVerifyPurchaseRequiresToken(t *testing.T) {
	env := newClientEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/purchases/verify", strings.NewReader(`{"receiptData":"x"}`))
	req.Header.Set("X-Device-Type", "ios")
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
