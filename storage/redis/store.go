// Package redis provides a Redis-backed implementation of all storage
// interfaces. The shared store is the single source of truth for pending
// authorizations, authorization codes, clients, and cached validations;
// no component keeps a local copy of these records.
package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	redisgo "github.com/redis/go-redis/v9"

	"github.com/canopyhq/oauth-broker/security"
	"github.com/canopyhq/oauth-broker/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys.
	DefaultKeyPrefix = "broker:"

	// idLogLength is the number of characters to include when logging record IDs.
	idLogLength = 8

	// connectionVerifyTimeout is the timeout for initial connection verification.
	connectionVerifyTimeout = 5 * time.Second

	defaultPendingTTL = 600 * time.Second
	defaultCodeTTL    = 60 * time.Second
	defaultClientTTL  = 7 * 24 * time.Hour
)

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Address is the Redis server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "broker:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// PendingAuthorizationTTL is the lifetime of pending authorizations.
	// Default: 600s.
	PendingAuthorizationTTL time.Duration

	// AuthorizationCodeTTL is the lifetime of authorization codes.
	// Default: 60s.
	AuthorizationCodeTTL time.Duration

	// ClientTTL is the retention window for registered clients. Default: 7d.
	ClientTTL time.Duration

	// EncryptionKey enables AES-256-GCM encryption of stored authorization
	// code payloads, which carry upstream tokens. Must be 32 bytes.
	// Nil leaves payloads in plaintext.
	EncryptionKey []byte

	// Logger is the optional structured logger (default: slog.Default()).
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of all storage interfaces.
type Store struct {
	client     redisgo.UniversalClient
	prefix     string
	pendingTTL time.Duration
	codeTTL    time.Duration
	clientTTL  time.Duration
	encryptor  *security.Encryptor
	logger     *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.TransactionStore = (*Store)(nil)
	_ storage.ClientStore      = (*Store)(nil)
	_ storage.ValidationStore  = (*Store)(nil)
)

// New creates a new Redis-backed storage instance and verifies the
// connection before returning. The returned store owns the client; call
// Close to release it.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redisgo.NewClient(&redisgo.Options{
		Addr:      cfg.Address,
		Password:  cfg.Password,
		DB:        cfg.DB,
		TLSConfig: cfg.TLS,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s, err := newWithClient(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.logger.Info("Connected to Redis storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", s.prefix,
		"encryption", s.encryptor.IsEnabled())

	return s, nil
}

// NewWithClient creates a Store around a pre-configured client. Connection
// verification is the caller's responsibility. This is the entry point used
// by tests running against miniredis.
func NewWithClient(client redisgo.UniversalClient, cfg Config) (*Store, error) {
	return newWithClient(client, cfg)
}

func newWithClient(client redisgo.UniversalClient, cfg Config) (*Store, error) {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PendingAuthorizationTTL <= 0 {
		cfg.PendingAuthorizationTTL = defaultPendingTTL
	}
	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = defaultCodeTTL
	}
	if cfg.ClientTTL <= 0 {
		cfg.ClientTTL = defaultClientTTL
	}

	encryptor, err := security.NewEncryptor(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}

	return &Store{
		client:     client,
		prefix:     prefix,
		pendingTTL: cfg.PendingAuthorizationTTL,
		codeTTL:    cfg.AuthorizationCodeTTL,
		clientTTL:  cfg.ClientTTL,
		encryptor:  encryptor,
		logger:     logger,
	}, nil
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	err := s.client.Close()
	s.logger.Info("Redis storage connection closed")
	return err
}

// Ping checks store connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ============================================================
// Key helpers
// ============================================================

// pendingKey returns the key for a pending authorization: {prefix}pending:{id}
func (s *Store) pendingKey(id string) string {
	return fmt.Sprintf("%spending:%s", s.prefix, id)
}

// codeKey returns the key for an authorization code: {prefix}code:{id}
func (s *Store) codeKey(id string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, id)
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// validationKey returns the key for a cached validation: {prefix}validation:{hash}
func (s *Store) validationKey(tokenHash string) string {
	return fmt.Sprintf("%svalidation:%s", s.prefix, tokenHash)
}

// ============================================================
// Lua scripts for atomic operations
// ============================================================

// consumeScript atomically reads and deletes a key, returning the value that
// was present. Exactly one concurrent caller observes the value; everyone
// else sees a nil reply. A plain GET followed by a DEL is two round trips and
// racy under concurrent redemption, which is why consumption is a single
// server-evaluated script.
//
// KEYS[1] = record key
//
// Returns the stored JSON, or false (nil reply) if the key is absent.
var consumeScript = redisgo.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
    return false
end
redis.call('DEL', KEYS[1])
return data
`)

// ============================================================
// JSON serialization
// ============================================================

type tokensJSON struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

type pendingAuthorizationJSON struct {
	ID            string   `json:"id"`
	ClientID      string   `json:"client_id"`
	RedirectURI   string   `json:"redirect_uri"`
	CodeChallenge string   `json:"code_challenge,omitempty"`
	State         string   `json:"state,omitempty"`
	Scopes        []string `json:"scopes,omitempty"`
	CreatedAt     int64    `json:"created_at"`
	ExpiresAt     int64    `json:"expires_at"`
}

type authorizationCodeJSON struct {
	ID            string     `json:"id"`
	ClientID      string     `json:"client_id"`
	RedirectURI   string     `json:"redirect_uri"`
	CodeChallenge string     `json:"code_challenge,omitempty"`
	Tokens        tokensJSON `json:"tokens"`
	Scopes        []string   `json:"scopes,omitempty"`
	CreatedAt     int64      `json:"created_at"`
	ExpiresAt     int64      `json:"expires_at"`
}

type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	Scopes                  []string `json:"scopes,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

type tokenValidationJSON struct {
	UserID         string `json:"user_id"`
	OrganizationID string `json:"organization_id,omitempty"`
	CollectionID   string `json:"collection_id,omitempty"`
}

// ============================================================
// Helpers
// ============================================================

// getAndUnmarshal fetches a key, unmarshals the JSON payload, and converts it
// to the target type. Absent keys map to notFoundErr.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redisgo.Nil {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

