package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VERIFY_TIMEOUT", "")
	t.Setenv("PORT", "")

	cfg := Load()
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 10*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, "https://buy.itunes.apple.com/verifyReceipt", cfg.AppleVerifyURL)
	assert.Equal(t, "https://sandbox.itunes.apple.com/verifyReceipt", cfg.AppleSandboxVerifyURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("VERIFY_TIMEOUT", "3s")
	t.Setenv("SIDE_EFFECT_TIMEOUT", "not-a-duration")
	t.Setenv("DB_HOST", "db.internal")

	cfg := Load()
	assert.Equal(t, 3*time.Second, cfg.VerifyTimeout)
	assert.Equal(t, 5*time.Second, cfg.SideEffectTimeout)
	assert.Contains(t, cfg.DSN(), "host=db.internal")
}
