package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/config"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTProtected(t *testing.T) {
	cfg := &config.Config{JWTSecret: "test-secret"}
	app := fiber.New()
	app.Get("/me", JWTProtected(cfg), func(c *fiber.Ctx) error {
		id, err := AccountID(c)
		if err != nil {
			return c.SendStatus(fiber.StatusForbidden)
		}
		return c.SendString(id.String())
	})

	account := uuid.New()
	exp := time.Now().Add(time.Hour).Unix()
	tests := []struct {
		name   string
		token  string
		status int
	}{
		{"valid", signToken(t, "test-secret", jwt.MapClaims{"sub": account.String(), "exp": exp}), fiber.StatusOK},
		{"wrong secret", signToken(t, "other", jwt.MapClaims{"sub": account.String(), "exp": exp}), fiber.StatusUnauthorized},
		{"expired", signToken(t, "test-secret", jwt.MapClaims{"sub": account.String(), "exp": time.Now().Add(-time.Hour).Unix()}), fiber.StatusUnauthorized},
		{"subject not a uuid", signToken(t, "test-secret", jwt.MapClaims{"sub": "42", "exp": exp}), fiber.StatusForbidden},
		{"missing", "", fiber.StatusUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/me", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}
