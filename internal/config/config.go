package config

import (
	"os"
	"time"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// JWT issued by the account service, verified here
	JWTSecret string

	// App Store
	AppleBundleID           string
	AppleSharedSecret       string
	AppleVerifyURL          string
	AppleSandboxVerifyURL   string
	AppleRootCAPath         string
	AppleOfferKeyID         string
	AppleOfferKeyPath       string
	AppleOfferPublicKeyPath string

	// Google Play
	GooglePackageName        string
	GoogleServiceAccountPath string

	// Stripe
	StripeWebhookSecret string

	// Collaborators
	RedisURL  string
	CRMURL    string
	CRMAPIKey string

	// Timeouts for outbound calls
	VerifyTimeout     time.Duration
	SideEffectTimeout time.Duration

	// Server
	Port        string
	CORSOrigins string

	// Product catalog
	CatalogPath string

	// Error tracking
	SentryDSN string
	AppEnv    string
}

func Load() *Config {
	return &Config{
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "subscriptions_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		JWTSecret: getEnv("JWT_SECRET", ""),

		AppleBundleID:           getEnv("APPLE_BUNDLE_ID", ""),
		AppleSharedSecret:       getEnv("APPLE_SHARED_SECRET", ""),
		AppleVerifyURL:          getEnv("APPLE_VERIFY_URL", "https://buy.itunes.apple.com/verifyReceipt"),
		AppleSandboxVerifyURL:   getEnv("APPLE_SANDBOX_VERIFY_URL", "https://sandbox.itunes.apple.com/verifyReceipt"),
		AppleRootCAPath:         getEnv("APPLE_ROOT_CA_PATH", "certs/AppleRootCA-G3.pem"),
		AppleOfferKeyID:         getEnv("APPLE_OFFER_KEY_ID", ""),
		AppleOfferKeyPath:       getEnv("APPLE_OFFER_PRIVATE_KEY_PATH", ""),
		AppleOfferPublicKeyPath: getEnv("APPLE_OFFER_PUBLIC_KEY_PATH", ""),

		GooglePackageName:        getEnv("GOOGLE_PACKAGE_NAME", ""),
		GoogleServiceAccountPath: getEnv("GOOGLE_SERVICE_ACCOUNT_PATH", ""),

		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		RedisURL:  getEnv("REDIS_URL", ""),
		CRMURL:    getEnv("CRM_URL", ""),
		CRMAPIKey: getEnv("CRM_API_KEY", ""),

		VerifyTimeout:     parseDuration(getEnv("VERIFY_TIMEOUT", "10s"), 10*time.Second),
		SideEffectTimeout: parseDuration(getEnv("SIDE_EFFECT_TIMEOUT", "5s"), 5*time.Second),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),

		CatalogPath: getEnv("CATALOG_PATH", "catalog.json"),

		SentryDSN: getEnv("SENTRY_DSN", ""),
		AppEnv:    getEnv("APP_ENV", "development"),
	}
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=" + c.DBSSLMode +
		" TimeZone=UTC"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
