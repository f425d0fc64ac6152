package broker

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/canopyhq/oauth-broker/security"
)

// PKCEVerificationMode selects where the PKCE verifier is checked.
type PKCEVerificationMode string

const (
	// PKCEVerificationLocal verifies the code_verifier inside the broker
	// against the challenge captured at authorize time. Default.
	PKCEVerificationLocal PKCEVerificationMode = "local"

	// PKCEVerificationDelegated skips the local check and relies on the
	// upstream IdP having verified PKCE on its own leg.
	PKCEVerificationDelegated PKCEVerificationMode = "delegated"
)

// Default TTLs for the broker's transient records.
const (
	DefaultPendingAuthorizationTTL = 600 * time.Second
	DefaultAuthorizationCodeTTL    = 60 * time.Second
	DefaultClientTTL               = 7 * 24 * time.Hour
	DefaultValidationCacheTTL      = time.Hour
)

// Config holds the complete broker configuration.
type Config struct {
	// BaseURL is the externally visible base URL of the broker, used to
	// build the upstream callback URL (required), e.g. "https://broker.example.com".
	BaseURL string

	// ListenAddr is the HTTP listen address (default ":8080").
	ListenAddr string

	// DefaultScopes are requested upstream when the client asks for none.
	DefaultScopes []string

	// PKCEVerificationMode selects local or delegated verifier checking
	// (default local).
	PKCEVerificationMode PKCEVerificationMode

	// PendingAuthorizationTTL bounds how long an upstream round trip may
	// take (default 600s).
	PendingAuthorizationTTL time.Duration

	// AuthorizationCodeTTL bounds the window for redeeming a broker code
	// (default 60s).
	AuthorizationCodeTTL time.Duration

	// ClientTTL is the registered-client retention window (default 7d).
	ClientTTL time.Duration

	// Upstream holds the IdP tenant settings.
	Upstream UpstreamConfig

	// Redis holds the shared-store settings; empty Addr selects the
	// in-memory backend.
	Redis RedisConfig

	// BackendValidateURL is the backend resource server's token
	// validation endpoint. Empty disables the validation middleware.
	BackendValidateURL string

	// ValidationCacheTTL is how long positive validations are cached
	// (default 1h).
	ValidationCacheTTL time.Duration

	// Logger is the structured logger (default slog.Default()).
	Logger *slog.Logger
}

// UpstreamConfig holds the upstream IdP tenant settings.
type UpstreamConfig struct {
	Domain       string
	ClientID     string
	ClientSecret string
	Audience     string
}

// RedisConfig holds the shared-store connection settings.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string

	// EncryptionKey encrypts stored authorization-code payloads at rest.
	// Optional; must be 32 bytes when set.
	EncryptionKey []byte
}

// CallbackURL returns the broker's upstream callback URL.
func (c *Config) CallbackURL() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/oauth/callback"
}

// Validate checks required fields and mode values.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	if c.Upstream.Domain == "" {
		return fmt.Errorf("upstream domain is required")
	}
	if c.Upstream.ClientID == "" {
		return fmt.Errorf("upstream client ID is required")
	}
	if c.Upstream.ClientSecret == "" {
		return fmt.Errorf("upstream client secret is required")
	}
	switch c.PKCEVerificationMode {
	case PKCEVerificationLocal, PKCEVerificationDelegated:
	default:
		return fmt.Errorf("invalid PKCE verification mode %q", c.PKCEVerificationMode)
	}
	return nil
}

// ApplyDefaults fills unset fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.PKCEVerificationMode == "" {
		c.PKCEVerificationMode = PKCEVerificationLocal
	}
	if c.PendingAuthorizationTTL <= 0 {
		c.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
	}
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.ClientTTL <= 0 {
		c.ClientTTL = DefaultClientTTL
	}
	if c.ValidationCacheTTL <= 0 {
		c.ValidationCacheTTL = DefaultValidationCacheTTL
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "broker:"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// LoadConfigFromEnv builds a Config from environment variables. Env files
// are the caller's concern; main loads .env via godotenv before calling this.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		BaseURL:    os.Getenv("BROKER_BASE_URL"),
		ListenAddr: os.Getenv("LISTEN_ADDR"),
		Upstream: UpstreamConfig{
			Domain:       os.Getenv("UPSTREAM_DOMAIN"),
			ClientID:     os.Getenv("UPSTREAM_CLIENT_ID"),
			ClientSecret: os.Getenv("UPSTREAM_CLIENT_SECRET"),
			Audience:     os.Getenv("UPSTREAM_AUDIENCE"),
		},
		Redis: RedisConfig{
			Addr:      os.Getenv("REDIS_ADDR"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			KeyPrefix: os.Getenv("KEY_PREFIX"),
		},
		BackendValidateURL:   os.Getenv("BACKEND_VALIDATE_URL"),
		PKCEVerificationMode: PKCEVerificationMode(os.Getenv("PKCE_VERIFICATION_MODE")),
	}

	if scopes := os.Getenv("DEFAULT_SCOPES"); scopes != "" {
		cfg.DefaultScopes = strings.Fields(scopes)
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB %q: %w", db, err)
		}
		cfg.Redis.DB = n
	}

	if encoded := os.Getenv("TOKEN_ENCRYPTION_KEY"); encoded != "" {
		key, err := security.KeyFromBase64(encoded)
		if err != nil {
			return nil, fmt.Errorf("invalid TOKEN_ENCRYPTION_KEY: %w", err)
		}
		cfg.Redis.EncryptionKey = key
	}

	var err error
	if cfg.PendingAuthorizationTTL, err = durationFromEnv("PENDING_AUTHORIZATION_TTL"); err != nil {
		return nil, err
	}
	if cfg.AuthorizationCodeTTL, err = durationFromEnv("AUTHORIZATION_CODE_TTL"); err != nil {
		return nil, err
	}
	if cfg.ClientTTL, err = durationFromEnv("CLIENT_TTL"); err != nil {
		return nil, err
	}
	if cfg.ValidationCacheTTL, err = durationFromEnv("VALIDATION_CACHE_TTL"); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationFromEnv parses an env var as a Go duration, also accepting a bare
// integer second count.
func durationFromEnv(name string) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	return d, nil
}
