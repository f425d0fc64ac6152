// Package auth0 implements the upstream.Provider interface for Auth0
// tenants. The broker is registered at the tenant as a single confidential
// application; every MCP client is funneled through that one registration.
package auth0

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"golang.org/x/oauth2"

	"github.com/canopyhq/oauth-broker/security"
	"github.com/canopyhq/oauth-broker/upstream"
)

const (
	// jwksRegisterTimeout bounds the first JWKS fetch so a slow tenant
	// cannot stall token verification indefinitely.
	jwksRegisterTimeout = 5 * time.Second

	defaultHTTPTimeout = 30 * time.Second
)

// Provider implements the upstream.Provider interface for Auth0.
type Provider struct {
	config     *oauth2.Config
	domain     string
	audience   string
	issuer     string
	jwksURL    string
	revokeURL  string
	httpClient *http.Client

	jwksCache *jwk.Cache

	// Lazy JWKS registration, done on first verification.
	jwksRegistered      bool
	jwksRegistrationMu  sync.Mutex
	jwksRegistrationErr error
}

// Config holds Auth0 tenant configuration.
type Config struct {
	// Domain is the Auth0 tenant domain, e.g. "tenant.us.auth0.com" (required).
	Domain string

	// ClientID is the broker's application client ID at the tenant (required).
	ClientID string

	// ClientSecret is the broker's application client secret (required).
	ClientSecret string

	// Audience is the API identifier requested in the audience parameter.
	Audience string

	// RedirectURL is the broker's callback URL.
	RedirectURL string

	// Scopes are the default scopes requested upstream.
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client
}

// Compile-time interface check.
var _ upstream.Provider = (*Provider)(nil)

// NewProvider creates a new Auth0 provider and its JWKS cache. The JWKS URL
// is registered lazily on first token verification.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("domain is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client secret is required")
	}

	domain := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(cfg.Domain, "https://"), "http://"), "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	httprcClient := httprc.NewClient(httprc.WithHTTPClient(httpClient))
	jwksCache, err := jwk.NewCache(ctx, httprcClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
	}

	return &Provider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  fmt.Sprintf("https://%s/authorize", domain),
				TokenURL: fmt.Sprintf("https://%s/oauth/token", domain),
			},
		},
		domain:     domain,
		audience:   cfg.Audience,
		issuer:     fmt.Sprintf("https://%s/", domain),
		jwksURL:    fmt.Sprintf("https://%s/.well-known/jwks.json", domain),
		revokeURL:  fmt.Sprintf("https://%s/oauth/revoke", domain),
		httpClient: httpClient,
		jwksCache:  jwksCache,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "auth0"
}

// AuthorizationURL builds the tenant authorization URL for the given state.
// The audience parameter is what makes Auth0 issue a JWT access token for
// the API instead of an opaque token.
func (p *Provider) AuthorizationURL(state string, scopes []string) string {
	var opts []oauth2.AuthCodeOption
	if p.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", p.audience))
	}

	if len(scopes) > 0 {
		cfg := *p.config
		cfg.Scopes = scopes
		return cfg.AuthCodeURL(state, opts...)
	}
	return p.config.AuthCodeURL(state, opts...)
}

// ExchangeCode exchanges a tenant authorization code for tokens.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*upstream.Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	return tokensFromOAuth2(token), nil
}

// RefreshToken obtains fresh tokens from the tenant using a refresh token.
// Auth0 may rotate the refresh token; the caller must pass whatever comes
// back to the client verbatim.
func (p *Provider) RefreshToken(ctx context.Context, refreshToken string, scopes []string) (*upstream.Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	cfg := p.config
	if len(scopes) > 0 {
		c := *p.config
		c.Scopes = scopes
		cfg = &c
	}

	tokenSource := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	newToken, err := tokenSource.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	tokens := tokensFromOAuth2(newToken)
	if tokens.RefreshToken == "" {
		// Tenant did not rotate; keep the old refresh token usable.
		tokens.RefreshToken = refreshToken
	}
	return tokens, nil
}

// VerifyAccessToken verifies the JWT access token locally against the
// tenant's JWKS: signature, issuer, audience, and expiry.
func (p *Provider) VerifyAccessToken(ctx context.Context, accessToken string) (*upstream.AuthInfo, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (interface{}, error) {
		return p.keyFromJWKS(ctx, t)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}

	if err := p.validateClaims(claims); err != nil {
		return nil, err
	}

	info := &upstream.AuthInfo{}
	if sub, err := claims.GetSubject(); err == nil {
		info.Subject = sub
	}
	if azp, ok := claims["azp"].(string); ok {
		info.ClientID = azp
	}
	if org, ok := claims["org_id"].(string); ok {
		info.OrganizationID = org
	}
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		info.Scopes = strings.Fields(scope)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		info.ExpiresAt = exp.Time
	}

	return info, nil
}

// RevokeToken revokes a refresh token at the tenant revocation endpoint.
func (p *Provider) RevokeToken(ctx context.Context, token string) error {
	data := url.Values{}
	data.Set("client_id", p.config.ClientID)
	data.Set("client_secret", p.config.ClientSecret)
	data.Set("token", token)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.revokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create revocation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("token revocation failed with status %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck verifies the tenant is reachable by fetching its OIDC
// discovery document.
func (p *Provider) HealthCheck(ctx context.Context) error {
	wellKnownURL := fmt.Sprintf("https://%s/.well-known/openid-configuration", p.domain)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("tenant unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tenant discovery returned status %d", resp.StatusCode)
	}
	return nil
}

// ensureJWKSRegistered registers the JWKS URL with the cache on first use so
// startup never blocks on the tenant.
func (p *Provider) ensureJWKSRegistered(ctx context.Context) error {
	p.jwksRegistrationMu.Lock()
	defer p.jwksRegistrationMu.Unlock()

	if p.jwksRegistered {
		return p.jwksRegistrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, jwksRegisterTimeout)
	defer cancel()

	if err := p.jwksCache.Register(registrationCtx, p.jwksURL); err != nil {
		p.jwksRegistrationErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	} else {
		p.jwksRegistrationErr = nil
	}

	p.jwksRegistered = true
	return p.jwksRegistrationErr
}

// keyFromJWKS resolves the verification key for a token from the tenant JWKS.
func (p *Provider) keyFromJWKS(ctx context.Context, token *jwt.Token) (interface{}, error) {
	if err := p.ensureJWKSRegistered(ctx); err != nil {
		return nil, err
	}

	if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("token header missing kid")
	}

	keySet, err := p.jwksCache.Lookup(ctx, p.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey interface{}
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export raw key: %w", err)
	}
	return rawKey, nil
}

func (p *Provider) validateClaims(claims jwt.MapClaims) error {
	issuerClaim, err := claims.GetIssuer()
	if err != nil {
		return fmt.Errorf("failed to get issuer from claims: %w", err)
	}
	if issuerClaim != p.issuer {
		return fmt.Errorf("unexpected issuer %q", issuerClaim)
	}

	if p.audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return fmt.Errorf("failed to get audience from claims: %w", err)
		}
		found := false
		for _, aud := range audiences {
			if aud == p.audience {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("token audience does not include %q", p.audience)
		}
	}

	expirationTime, err := claims.GetExpirationTime()
	if err != nil || expirationTime == nil || security.IsTokenExpired(expirationTime.Time) {
		return fmt.Errorf("token is expired")
	}

	return nil
}

func tokensFromOAuth2(token *oauth2.Token) *upstream.Tokens {
	tokens := &upstream.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	// expires_in passes through as the tenant sent it. Recomputing it from
	// Expiry would drift for codes redeemed after the callback.
	tokens.ExpiresIn = token.ExpiresIn
	if tokens.ExpiresIn == 0 && !token.Expiry.IsZero() {
		if d := time.Until(token.Expiry); d > 0 {
			tokens.ExpiresIn = int64(d.Seconds())
		}
	}
	if scope, ok := token.Extra("scope").(string); ok {
		tokens.Scope = scope
	}
	return tokens
}
