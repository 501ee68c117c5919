// Package config loads gateway configuration from the environment with
// environment-graded fail-fast checks: development is permissive,
// production refuses to start with missing or placeholder secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Environments.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var (
	// ErrWeakSecret is returned when SECRET_KEY is too short or a known
	// placeholder outside development.
	ErrWeakSecret = errors.New("config: SECRET_KEY is missing, too short, or a placeholder")
	// ErrMissingSigningKey is returned when production starts without
	// GATEWAY_ED25519_PRIVATE_KEY.
	ErrMissingSigningKey = errors.New("config: GATEWAY_ED25519_PRIVATE_KEY required in production")
	// ErrMissingFernetKey is returned when staging or production starts
	// without GATEWAY_FERNET_KEY.
	ErrMissingFernetKey = errors.New("config: GATEWAY_FERNET_KEY required in staging and production")
)

// placeholders are secrets that must never survive into production.
var placeholders = []string{
	"changeme", "change-me", "secret", "placeholder", "dev-secret",
	"insecure", "example", "test-key", "xxxxxxxx",
}

// Config is the gateway's resolved runtime configuration.
type Config struct {
	Environment string
	Port        string
	LogLevel    string

	// SecretKey signs API-layer session JWTs.
	SecretKey string
	// SigningKeyPEM is the PEM-encoded Ed25519 gateway key.
	SigningKeyPEM string
	// SigningKeyPath is a file fallback for SigningKeyPEM; in
	// development a generated key is persisted here.
	SigningKeyPath string
	// FernetKey encrypts secrets at rest.
	FernetKey string

	// AllowedWebhookDomains is the global outbound allowlist the
	// manifest-level allowlist is intersected with. Empty means the
	// manifest list stands alone.
	AllowedWebhookDomains []string

	DatabaseURL string
	RedisAddr   string
	AuditDBPath string

	// BudgetTimezone is the IANA zone daily budget buckets roll over in.
	BudgetTimezone *time.Location

	IdempotencyTTL time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	OTLPEndpoint string
}

// Load reads the environment and applies the fail-fast checks for the
// resolved environment.
func Load() (*Config, error) {
	env := getenv("ENVIRONMENT", EnvDevelopment)
	switch env {
	case EnvDevelopment, EnvStaging, EnvProduction:
	default:
		return nil, fmt.Errorf("config: unknown ENVIRONMENT %q", env)
	}

	cfg := &Config{
		Environment:    env,
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		SecretKey:      os.Getenv("SECRET_KEY"),
		SigningKeyPEM:  os.Getenv("GATEWAY_ED25519_PRIVATE_KEY"),
		SigningKeyPath: getenv("GATEWAY_ED25519_KEY_PATH", "gateway-signing.pem"),
		FernetKey:      os.Getenv("GATEWAY_FERNET_KEY"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		AuditDBPath:    getenv("AUDIT_DB_PATH", "audit.db"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if raw := os.Getenv("GATEWAY_ALLOWED_WEBHOOK_DOMAINS"); raw != "" {
		for _, d := range strings.Split(raw, ",") {
			if d = strings.TrimSpace(d); d != "" {
				cfg.AllowedWebhookDomains = append(cfg.AllowedWebhookDomains, d)
			}
		}
	}

	tz := getenv("BUDGET_TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("config: invalid BUDGET_TIMEZONE %q: %w", tz, err)
	}
	cfg.BudgetTimezone = loc

	ttl := getenv("IDEMPOTENCY_TTL", "24h")
	cfg.IdempotencyTTL, err = time.ParseDuration(ttl)
	if err != nil || cfg.IdempotencyTTL <= 0 {
		return nil, fmt.Errorf("config: invalid IDEMPOTENCY_TTL %q", ttl)
	}

	cfg.RateLimitRPS = 10
	cfg.RateLimitBurst = 20

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate applies the environment-graded checks.
func (c *Config) validate() error {
	if c.Environment == EnvDevelopment {
		return nil
	}
	if err := CheckSecretKey(c.SecretKey); err != nil {
		return err
	}
	if c.FernetKey == "" {
		return ErrMissingFernetKey
	}
	if c.Environment == EnvProduction && c.SigningKeyPEM == "" {
		return ErrMissingSigningKey
	}
	return nil
}

// CheckSecretKey enforces the minimum length and rejects placeholder
// values.
func CheckSecretKey(key string) error {
	if len(key) < 32 {
		return ErrWeakSecret
	}
	lower := strings.ToLower(key)
	for _, p := range placeholders {
		if strings.Contains(lower, p) {
			return ErrWeakSecret
		}
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
