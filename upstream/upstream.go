// Package upstream defines the contract for the upstream identity provider
// the broker delegates authentication to, along with the token and identity
// types that cross that boundary.
package upstream

import (
	"context"
	"time"
)

// Provider is the broker's view of the upstream identity provider. The broker
// never exposes these calls to its own clients; it brokers between the local
// PKCE dialect and whatever the upstream speaks.
type Provider interface {
	// Name returns the provider name (e.g., "auth0").
	Name() string

	// AuthorizationURL builds the upstream /authorize redirect URL. The state
	// value is the broker's pending-authorization ID; scopes are space-joined
	// into the scope parameter.
	AuthorizationURL(state string, scopes []string) string

	// ExchangeCode exchanges an upstream authorization code for upstream
	// tokens. This is a direct server-to-server call with the broker's own
	// credentials, never exposed to the original client.
	ExchangeCode(ctx context.Context, code string) (*Tokens, error)

	// RefreshToken exchanges a refresh token for fresh tokens. An empty
	// scopes slice requests the originally granted scopes.
	RefreshToken(ctx context.Context, refreshToken string, scopes []string) (*Tokens, error)

	// VerifyAccessToken cryptographically verifies a bearer JWT against the
	// upstream issuer's published key set, checking signature, issuer,
	// audience, and expiry. It never downgrades a failure to an anonymous
	// success.
	VerifyAccessToken(ctx context.Context, accessToken string) (*AuthInfo, error)

	// RevokeToken revokes a token at the upstream provider. Best effort from
	// the broker's perspective; callers decide whether failure is fatal.
	RevokeToken(ctx context.Context, token string) error

	// HealthCheck verifies the provider is reachable. Used by readiness
	// probes and startup validation.
	HealthCheck(ctx context.Context) error
}

// Tokens is the upstream token response the broker passes through to its
// clients verbatim. ExpiresIn is upstream-defined and not reinterpreted.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AuthInfo is the result of verifying an upstream-issued access token.
type AuthInfo struct {
	// Subject is the token's sub claim.
	Subject string

	// ClientID is the authorized party (azp claim) when present.
	ClientID string

	// OrganizationID is the upstream organization identifier (org_id claim)
	// when present.
	OrganizationID string

	// Scopes are the space-split entries of the scope claim.
	Scopes []string

	// ExpiresAt is the token's expiry.
	ExpiresAt time.Time
}
