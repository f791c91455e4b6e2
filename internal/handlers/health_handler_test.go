package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/catalog"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/delivery"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/testutil"
)

func TestHealthCheck(t *testing.T) {
	db := testutil.NewDB(t)
	mr := miniredis.RunT(t)
	cache := delivery.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), delivery.DefaultTTL)

	c := catalog.New()
	require.NoError(t, c.Register(&catalog.Product{ProductID: "premium_monthly", TermDays: 30}))

	app := fiber.New()
	app.Get("/health", NewHealthHandler(db, cache, c).Check)

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil), -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body dto.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "ok", body.DB)
	assert.Equal(t, "ok", body.Redis)
	assert.Equal(t, 1, body.Products)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	resp, err = app.Test(httptest.NewRequest("GET", "/health", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
