// Package storage defines the persistence contracts for the broker's
// transient protocol state: pending authorizations, one-time authorization
// codes, registered clients, and cached token-validation results.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/canopyhq/oauth-broker/upstream"
)

// Sentinel errors returned by store implementations. Callers must treat all
// "not found" variants identically at the protocol boundary: a missing record
// never reveals whether it expired, was consumed, or never existed.
var (
	// ErrNotFound is the base error for any absent record.
	ErrNotFound = errors.New("record not found")

	// ErrPendingAuthorizationNotFound indicates the pending authorization is
	// absent (expired, consumed, or never created).
	ErrPendingAuthorizationNotFound = errors.New("pending authorization not found")

	// ErrAuthorizationCodeNotFound indicates the authorization code is absent
	// (expired, already consumed, or never issued).
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrClientNotFound indicates no client is registered under the given ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrValidationNotCached indicates no cached validation exists for the token.
	ErrValidationNotCached = errors.New("token validation not cached")

	// ErrInvalidClientSecret indicates client secret verification failed.
	ErrInvalidClientSecret = errors.New("invalid client secret")
)

// TransactionStore owns the two short-lived record types of an authorization
// attempt. Record IDs are always generated inside the store; callers never
// construct them. The store is also the sole owner of expiry: records vanish
// after their TTL without any caller involvement.
//
// All methods accept context.Context because every operation is a network
// round trip to the shared store in the production backend.
type TransactionStore interface {
	// CreatePendingAuthorization stores a new pending authorization with a
	// fresh unguessable ID and the store's configured pending TTL.
	// The returned record's ID doubles as the state parameter sent upstream.
	CreatePendingAuthorization(ctx context.Context, req PendingAuthorizationRequest) (*PendingAuthorization, error)

	// GetPendingAuthorization retrieves a pending authorization by ID.
	// Returns ErrPendingAuthorizationNotFound after TTL expiry or deletion.
	GetPendingAuthorization(ctx context.Context, id string) (*PendingAuthorization, error)

	// DeletePendingAuthorization removes a pending authorization. Idempotent.
	DeletePendingAuthorization(ctx context.Context, id string) error

	// IssueAuthorizationCode stores a new authorization code record with a
	// fresh ID and the store's configured code TTL.
	IssueAuthorizationCode(ctx context.Context, req AuthorizationCodeRequest) (*AuthorizationCodeRecord, error)

	// GetAuthorizationCode retrieves a code record without consuming it.
	// Used only for PKCE challenge lookup before the verifier is known; the
	// actual exchange must go through ConsumeAuthorizationCode.
	GetAuthorizationCode(ctx context.Context, id string) (*AuthorizationCodeRecord, error)

	// ConsumeAuthorizationCode atomically retrieves and deletes a code record.
	// Exactly one caller can ever succeed for a given code; every other
	// concurrent or subsequent call returns ErrAuthorizationCodeNotFound.
	// Implementations must perform the read and delete as a single operation
	// against the backing store, never as separate round trips.
	ConsumeAuthorizationCode(ctx context.Context, id string) (*AuthorizationCodeRecord, error)
}

// ClientStore persists dynamically registered OAuth client metadata. It is a
// cache with a long retention window, not an authoritative trust store:
// clients are expected to re-register periodically or live only for the
// duration of an MCP session.
type ClientStore interface {
	// RegisterClient saves a client. Registering an existing client_id is an
	// upsert: the new metadata wins and the retention TTL resets.
	RegisterClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrClientNotFound when the
	// registration is absent or has aged out.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret verifies a confidential client's secret against
	// the stored hash. Returns ErrInvalidClientSecret on mismatch.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error
}

// ValidationStore caches positive token-validation results keyed by a one-way
// hash of the bearer token. Negative results are never stored.
type ValidationStore interface {
	// SaveTokenValidation caches a validation result under the token hash.
	SaveTokenValidation(ctx context.Context, tokenHash string, result *TokenValidation, ttl time.Duration) error

	// GetTokenValidation retrieves a cached result. Returns
	// ErrValidationNotCached on miss or expiry.
	GetTokenValidation(ctx context.Context, tokenHash string) (*TokenValidation, error)

	// DeleteTokenValidation evicts a cached result. Idempotent.
	DeleteTokenValidation(ctx context.Context, tokenHash string) error
}

// PendingAuthorizationRequest carries the caller-supplied fields for
// CreatePendingAuthorization. The ID, timestamps and TTL are store-assigned.
type PendingAuthorizationRequest struct {
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	State         string // the original client's state, not the upstream one
	Scopes        []string
}

// PendingAuthorization is an authorization attempt awaiting the upstream
// IdP's callback. Its ID is the state value sent to the upstream IdP.
// It exists at most once and is deleted the instant the callback consumes it.
type PendingAuthorization struct {
	ID            string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	State         string
	Scopes        []string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// AuthorizationCodeRequest carries the caller-supplied fields for
// IssueAuthorizationCode.
type AuthorizationCodeRequest struct {
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Tokens        upstream.Tokens
	Scopes        []string
}

// AuthorizationCodeRecord is a one-time local authorization code wrapping the
// upstream tokens obtained at callback time. The code challenge is copied
// from the pending authorization so the PKCE binding survives the upstream
// hop. Consumed exactly once; replay fails closed.
type AuthorizationCodeRecord struct {
	ID            string
	ClientID      string
	RedirectURI   string
	CodeChallenge string
	Tokens        upstream.Tokens
	Scopes        []string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// Client represents a registered OAuth client.
type Client struct {
	ClientID                string
	ClientSecretHash        string // bcrypt hash, empty for public clients
	ClientType              string // "public" or "confidential"
	ClientName              string
	RedirectURIs            []string
	Scopes                  []string
	TokenEndpointAuthMethod string
	CreatedAt               time.Time
}

// TokenValidation is the identity triple the backend resource server returns
// for a valid bearer token.
type TokenValidation struct {
	UserID         string
	OrganizationID string
	CollectionID   string
}
