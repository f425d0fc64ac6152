// Package mock provides a mock implementation of the upstream.Provider
// interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/canopyhq/oauth-broker/upstream"
)

// Provider is a configurable mock upstream provider. Each method delegates to
// the corresponding Func field and records a call count.
type Provider struct {
	// NameFunc is called when Name() is invoked
	NameFunc func() string

	// AuthorizationURLFunc is called when AuthorizationURL() is invoked
	AuthorizationURLFunc func(state string, scopes []string) string

	// ExchangeCodeFunc is called when ExchangeCode() is invoked
	ExchangeCodeFunc func(ctx context.Context, code string) (*upstream.Tokens, error)

	// RefreshTokenFunc is called when RefreshToken() is invoked
	RefreshTokenFunc func(ctx context.Context, refreshToken string, scopes []string) (*upstream.Tokens, error)

	// VerifyAccessTokenFunc is called when VerifyAccessToken() is invoked
	VerifyAccessTokenFunc func(ctx context.Context, accessToken string) (*upstream.AuthInfo, error)

	// RevokeTokenFunc is called when RevokeToken() is invoked
	RevokeTokenFunc func(ctx context.Context, token string) error

	// HealthCheckFunc is called when HealthCheck() is invoked
	HealthCheckFunc func(ctx context.Context) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.Mutex
}

// Compile-time interface check.
var _ upstream.Provider = (*Provider)(nil)

// NewProvider creates a mock provider with working defaults: the upstream
// always accepts codes, refreshes, and verifications.
func NewProvider() *Provider {
	return &Provider{
		CallCounts: make(map[string]int),
		NameFunc: func() string {
			return "mock"
		},
		AuthorizationURLFunc: func(state string, _ []string) string {
			return fmt.Sprintf("https://idp.example.com/authorize?state=%s", state)
		},
		ExchangeCodeFunc: func(_ context.Context, _ string) (*upstream.Tokens, error) {
			return &upstream.Tokens{
				AccessToken:  "mock-access-token",
				RefreshToken: "mock-refresh-token",
				TokenType:    "Bearer",
				ExpiresIn:    86400,
				Scope:        "openid profile",
			}, nil
		},
		RefreshTokenFunc: func(_ context.Context, _ string, _ []string) (*upstream.Tokens, error) {
			return &upstream.Tokens{
				AccessToken:  "new-mock-access-token",
				RefreshToken: "new-mock-refresh-token",
				TokenType:    "Bearer",
				ExpiresIn:    86400,
			}, nil
		},
		VerifyAccessTokenFunc: func(_ context.Context, _ string) (*upstream.AuthInfo, error) {
			return &upstream.AuthInfo{
				Subject:   "mock-user-123",
				ClientID:  "mock-client",
				Scopes:    []string{"openid", "profile"},
				ExpiresAt: time.Now().Add(time.Hour),
			}, nil
		},
		RevokeTokenFunc: func(_ context.Context, _ string) error {
			return nil
		},
		HealthCheckFunc: func(_ context.Context) error {
			return nil
		},
	}
}

// record bumps the call counter for a method and returns once the lock is
// released, so user functions never run while the mutex is held.
func (m *Provider) record(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCounts[method]++
}

// Count returns how many times a method has been called.
func (m *Provider) Count(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CallCounts[method]
}

// Name returns the provider name.
func (m *Provider) Name() string {
	m.record("Name")
	if m.NameFunc == nil {
		return "mock"
	}
	return m.NameFunc()
}

// AuthorizationURL generates the upstream authorization URL.
func (m *Provider) AuthorizationURL(state string, scopes []string) string {
	m.record("AuthorizationURL")
	if m.AuthorizationURLFunc == nil {
		return ""
	}
	return m.AuthorizationURLFunc(state, scopes)
}

// ExchangeCode exchanges an upstream authorization code for tokens.
func (m *Provider) ExchangeCode(ctx context.Context, code string) (*upstream.Tokens, error) {
	m.record("ExchangeCode")
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return m.ExchangeCodeFunc(ctx, code)
}

// RefreshToken refreshes tokens at the mock upstream.
func (m *Provider) RefreshToken(ctx context.Context, refreshToken string, scopes []string) (*upstream.Tokens, error) {
	m.record("RefreshToken")
	if m.RefreshTokenFunc == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return m.RefreshTokenFunc(ctx, refreshToken, scopes)
}

// VerifyAccessToken verifies an access token at the mock upstream.
func (m *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*upstream.AuthInfo, error) {
	m.record("VerifyAccessToken")
	if m.VerifyAccessTokenFunc == nil {
		return nil, fmt.Errorf("VerifyAccessTokenFunc not configured")
	}
	return m.VerifyAccessTokenFunc(ctx, accessToken)
}

// RevokeToken revokes a token at the mock upstream.
func (m *Provider) RevokeToken(ctx context.Context, token string) error {
	m.record("RevokeToken")
	if m.RevokeTokenFunc == nil {
		return nil
	}
	return m.RevokeTokenFunc(ctx, token)
}

// HealthCheck reports mock upstream health.
func (m *Provider) HealthCheck(ctx context.Context) error {
	m.record("HealthCheck")
	if m.HealthCheckFunc == nil {
		return nil
	}
	return m.HealthCheckFunc(ctx)
}
