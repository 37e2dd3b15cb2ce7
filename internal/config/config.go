// Package config reads the gateway configuration from environment
// variables. Load validates everything up front so a misconfigured
// deployment fails at startup, not on the first request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment string // "production" or anything else
	Port        string

	DatabaseURL string

	// Upstream identity provider.
	IdPURL        string
	IdPAnonKey    string
	IdPServiceKey string

	// Token signing: JWTSecret for HS256, or JWTPrivateKeyPEM for RS256.
	// Exactly one must be set.
	JWTSecret        string
	JWTPrivateKeyPEM string
	JWTIssuer        string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CodeTTL         time.Duration

	CookieDomain   string
	AllowedOrigins []string

	// Admin bypass seed, used only when the table is empty.
	AdminEmail        string
	AdminPasswordHash string

	APIKeyPrefixes []string

	SentryDSN string

	// Outbox worker.
	OutboxDestination string
	OutboxBatchSize   int
	OutboxInterval    time.Duration

	AllowPublicRegistration bool
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		Environment:             getEnv("ENVIRONMENT", "development"),
		Port:                    getEnv("PORT", "8080"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		IdPURL:                  os.Getenv("IDP_URL"),
		IdPAnonKey:              os.Getenv("IDP_ANON_KEY"),
		IdPServiceKey:           os.Getenv("IDP_SERVICE_KEY"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		JWTPrivateKeyPEM:        os.Getenv("JWT_PRIVATE_KEY_PEM"),
		JWTIssuer:               getEnv("JWT_ISSUER", "auth-gateway"),
		AccessTokenTTL:          getEnvAsDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:         getEnvAsDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		CodeTTL:                 getEnvAsDuration("AUTH_CODE_TTL", 120*time.Second),
		CookieDomain:            os.Getenv("COOKIE_DOMAIN"),
		AllowedOrigins:          getEnvAsList("ALLOWED_ORIGINS"),
		AdminEmail:              os.Getenv("ADMIN_EMAIL"),
		AdminPasswordHash:       os.Getenv("ADMIN_PASSWORD_HASH"),
		APIKeyPrefixes:          getEnvAsList("API_KEY_PREFIXES"),
		SentryDSN:               os.Getenv("SENTRY_DSN"),
		OutboxDestination:       os.Getenv("OUTBOX_DESTINATION"),
		OutboxBatchSize:         getEnvAsInt("OUTBOX_BATCH_SIZE", 50),
		OutboxInterval:          getEnvAsDuration("OUTBOX_INTERVAL", 5*time.Second),
		AllowPublicRegistration: getEnvAsBool("ALLOW_PUBLIC_REGISTRATION", true),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	for name, val := range map[string]string{
		"DATABASE_URL": c.DatabaseURL,
		"IDP_URL":      c.IdPURL,
		"IDP_ANON_KEY": c.IdPAnonKey,
	} {
		if val == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.JWTSecret == "" && c.JWTPrivateKeyPEM == "" {
		return fmt.Errorf("either JWT_SECRET or JWT_PRIVATE_KEY_PEM must be set")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

// Production reports whether the deployment runs with production
// hardening (secure cookies, JSON logs).
func (c Config) Production() bool {
	return c.Environment == "production"
}

func getEnv(name, defaultVal string) string {
	if val := os.Getenv(name); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseBool(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsDuration(name string, defaultVal time.Duration) time.Duration {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := time.ParseDuration(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsList(name string) []string {
	valStr := os.Getenv(name)
	if valStr == "" {
		return nil
	}
	parts := strings.Split(valStr, ",")
	out := parts[:0]
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
