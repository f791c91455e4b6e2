package middleware

import (
	"errors"

	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/config"
	"github.com/ahmetcoskunkizilkaya/subscription-ledger/internal/dto"
)

var ErrNoAccount = errors.New("token carries no account id")

// JWTProtected accepts tokens issued by the account service. The account id
// is the "sub" claim.
func JWTProtected(cfg *config.Config) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{Key: []byte(cfg.JWTSecret)},
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{
				Error:   true,
				Message: "Unauthorized: invalid or expired token",
			})
		},
	})
}

// AccountID returns the authenticated account of the request.
func AccountID(c *fiber.Ctx) (uuid.UUID, error) {
	token, ok := c.Locals("user").(*jwt.Token)
	if !ok || token == nil {
		return uuid.Nil, ErrNoAccount
	}
	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return uuid.Nil, ErrNoAccount
	}
	id, err := uuid.Parse(sub)
	if err != nil {
		return uuid.Nil, ErrNoAccount
	}
	return id, nil
}
