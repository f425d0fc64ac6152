// Package broker implements an OAuth 2.0 authorization-code-with-PKCE broker
// that sits between MCP clients and an upstream identity provider. Clients
// complete a standards-compliant flow against the broker; the broker runs its
// own confidential flow against the upstream IdP and relays the resulting
// tokens without ever minting its own.
package broker

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/canopyhq/oauth-broker/instrumentation"
	"github.com/canopyhq/oauth-broker/internal/util"
	"github.com/canopyhq/oauth-broker/security"
	"github.com/canopyhq/oauth-broker/storage"
	"github.com/canopyhq/oauth-broker/upstream"
)

// Broker orchestrates the dual authorization flow. All state lives behind
// the injected stores, so any number of broker instances can serve the same
// deployment when the stores are shared.
type Broker struct {
	transactions storage.TransactionStore
	clients      storage.ClientStore
	provider     upstream.Provider

	cfg     *Config
	logger  *slog.Logger
	auditor *security.Auditor
	metrics *instrumentation.Metrics
}

// Options carries the broker's dependencies.
type Options struct {
	// Transactions stores pending authorizations and authorization codes (required).
	Transactions storage.TransactionStore

	// Clients stores registered client metadata (required).
	Clients storage.ClientStore

	// Provider is the upstream IdP (required).
	Provider upstream.Provider

	// Config is the broker configuration (required).
	Config *Config

	// Auditor is the optional security event logger.
	Auditor *security.Auditor

	// Metrics is the optional instrumentation sink.
	Metrics *instrumentation.Metrics
}

// New creates a Broker from its dependencies.
func New(opts Options) (*Broker, error) {
	if opts.Transactions == nil {
		return nil, fmt.Errorf("transaction store is required")
	}
	if opts.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("upstream provider is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}

	cfg := opts.Config
	cfg.ApplyDefaults()

	auditor := opts.Auditor
	if auditor == nil {
		auditor = security.NewAuditor(cfg.Logger, false)
	}

	return &Broker{
		transactions: opts.Transactions,
		clients:      opts.Clients,
		provider:     opts.Provider,
		cfg:          cfg,
		logger:       cfg.Logger,
		auditor:      auditor,
		metrics:      opts.Metrics,
	}, nil
}

// Provider returns the upstream provider.
func (b *Broker) Provider() upstream.Provider {
	return b.provider
}

// Config returns the broker configuration.
func (b *Broker) Config() *Config {
	return b.cfg
}

// Authorize validates a client authorization request, records it as a
// pending authorization, and returns the upstream authorization URL the
// user agent must be redirected to. The pending authorization's ID is the
// state value on the upstream leg; the client's own state never leaves the
// broker.
func (b *Broker) Authorize(ctx context.Context, req *AuthorizationRequest, clientIP string) (string, error) {
	if req.ResponseType != "code" {
		return "", ErrInvalidRequest("response_type must be code")
	}
	if req.ClientID == "" {
		return "", ErrInvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return "", ErrInvalidRequest("redirect_uri is required")
	}

	client, err := b.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return "", ErrInvalidRequest("unknown client")
		}
		b.logger.Error("Client lookup failed", "error", err)
		return "", ErrServerError("client lookup failed")
	}

	if !redirectURIRegistered(client, req.RedirectURI) {
		return "", ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	if req.CodeChallenge == "" {
		return "", ErrInvalidRequest("code_challenge is required")
	}
	if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
		return "", ErrInvalidRequest("code_challenge_method must be S256")
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = b.cfg.DefaultScopes
	}

	pending, err := b.transactions.CreatePendingAuthorization(ctx, storage.PendingAuthorizationRequest{
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		CodeChallenge: req.CodeChallenge,
		State:         req.State,
		Scopes:        scopes,
	})
	if err != nil {
		b.logger.Error("Failed to create pending authorization", "error", err)
		return "", ErrServerError("failed to start authorization")
	}

	b.auditor.LogAuthorizationFlowStarted(req.ClientID, clientIP, b.provider.Name())
	if b.metrics != nil {
		b.metrics.RecordAuthorizationStarted(ctx, req.ClientID)
	}

	return b.provider.AuthorizationURL(pending.ID, scopes), nil
}

// CompleteCallback handles the upstream IdP's redirect back to the broker.
// The state parameter must match a pending authorization; that record is
// deleted before anything else happens, so a replayed callback dies on the
// state lookup. On success the broker holds the upstream tokens and returns
// a fresh one-time code for the client.
//
// Failures after the pending authorization was resolved return a
// *CallbackError so the handler can deliver the error to the client's
// redirect URI instead of a bare status page.
func (b *Broker) CompleteCallback(ctx context.Context, state, upstreamCode, upstreamError, upstreamErrorDescription string) (*CallbackResult, error) {
	if state == "" {
		return nil, ErrInvalidRequest("state is required")
	}
	if upstreamCode == "" && upstreamError == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	pending, err := b.transactions.GetPendingAuthorization(ctx, state)
	if err != nil {
		if errors.Is(err, storage.ErrPendingAuthorizationNotFound) {
			return nil, ErrInvalidState("unknown or expired state")
		}
		b.logger.Error("Pending authorization lookup failed", "error", err)
		return nil, ErrServerError("state lookup failed")
	}

	// One shot: the pending authorization is gone regardless of how the
	// rest of the callback turns out.
	if err := b.transactions.DeletePendingAuthorization(ctx, state); err != nil {
		b.logger.Error("Failed to delete pending authorization", "error", err)
		return nil, ErrServerError("state cleanup failed")
	}

	if upstreamError != "" {
		b.logger.Warn("Upstream denied authorization",
			"client_id", pending.ClientID,
			"upstream_error", upstreamError)
		if b.metrics != nil {
			b.metrics.RecordCallbackProcessed(ctx, pending.ClientID, false)
		}
		return nil, &CallbackError{
			Code:        ErrorCodeAccessDenied,
			Description: upstreamErrorDescription,
			RedirectURI: pending.RedirectURI,
			State:       pending.State,
		}
	}

	tokens, err := b.provider.ExchangeCode(ctx, upstreamCode)
	if err != nil {
		b.logger.Error("Upstream code exchange failed",
			"client_id", pending.ClientID,
			"provider", b.provider.Name(),
			"error", err)
		if b.metrics != nil {
			b.metrics.RecordCallbackProcessed(ctx, pending.ClientID, false)
		}
		return nil, &CallbackError{
			Code:        ErrorCodeAccessDenied,
			Description: "upstream token exchange failed",
			RedirectURI: pending.RedirectURI,
			State:       pending.State,
		}
	}

	record, err := b.transactions.IssueAuthorizationCode(ctx, storage.AuthorizationCodeRequest{
		ClientID:      pending.ClientID,
		RedirectURI:   pending.RedirectURI,
		CodeChallenge: pending.CodeChallenge,
		Tokens:        *tokens,
		Scopes:        pending.Scopes,
	})
	if err != nil {
		b.logger.Error("Failed to issue authorization code", "error", err)
		return nil, &CallbackError{
			Code:        ErrorCodeServerError,
			Description: "failed to issue authorization code",
			RedirectURI: pending.RedirectURI,
			State:       pending.State,
		}
	}

	b.auditor.LogAuthorizationCodeIssued(pending.ClientID, "")
	if b.metrics != nil {
		b.metrics.RecordCallbackProcessed(ctx, pending.ClientID, true)
	}

	return &CallbackResult{
		Code:        record.ID,
		RedirectURI: pending.RedirectURI,
		State:       pending.State,
	}, nil
}

// ExchangeAuthorizationCode redeems a broker code for the upstream tokens it
// wraps. The code is consumed atomically before any checks run; a failed
// check therefore burns the code, which is exactly the fail-closed behavior
// a stolen code deserves.
func (b *Broker) ExchangeAuthorizationCode(ctx context.Context, clientID, clientSecret, code, codeVerifier, redirectURI, clientIP string) (*TokenResponse, error) {
	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}

	client, err := b.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		return nil, err
	}

	record, err := b.transactions.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			b.auditor.LogAuthFailure(clientID, clientIP, "authorization code invalid or already used")
			return nil, ErrInvalidGrant("authorization code is invalid or expired")
		}
		b.logger.Error("Failed to consume authorization code", "error", err)
		return nil, ErrServerError("code redemption failed")
	}

	if record.ClientID != client.ClientID {
		b.auditor.LogAuthFailure(clientID, clientIP, "authorization code issued to another client")
		return nil, ErrInvalidGrant("authorization code was issued to another client")
	}
	if redirectURI != "" && record.RedirectURI != redirectURI {
		return nil, ErrInvalidGrant("redirect_uri does not match the authorization request")
	}

	if b.cfg.PKCEVerificationMode == PKCEVerificationLocal {
		if err := verifyPKCE(record.CodeChallenge, codeVerifier); err != nil {
			b.auditor.LogPKCEValidationFailed(clientID, clientIP)
			if b.metrics != nil {
				b.metrics.RecordPKCEValidationFailed(ctx, "S256")
			}
			return nil, err
		}
	}

	b.auditor.LogTokenIssued("", client.ClientID, clientIP, record.Tokens.Scope)
	if b.metrics != nil {
		b.metrics.RecordCodeExchange(ctx, client.ClientID, "S256")
	}

	return NewTokenResponse(&record.Tokens), nil
}

// ChallengeForAuthorizationCode looks up the PKCE challenge bound to a code
// without consuming it. The code must belong to the named client; a peek is
// no less client-bound than the redemption itself. Useful for diagnostics;
// redemption always goes through ExchangeAuthorizationCode.
func (b *Broker) ChallengeForAuthorizationCode(ctx context.Context, clientID, code string) (string, error) {
	record, err := b.transactions.GetAuthorizationCode(ctx, code)
	if err != nil {
		if errors.Is(err, storage.ErrAuthorizationCodeNotFound) {
			return "", ErrInvalidGrant("authorization code is invalid or expired")
		}
		return "", ErrServerError("code lookup failed")
	}
	if record.ClientID != clientID {
		return "", ErrInvalidGrant("authorization code was issued to another client")
	}
	return record.CodeChallenge, nil
}

// ExchangeRefreshToken relays a refresh grant to the upstream IdP. Whatever
// rotation the upstream performs is passed to the client verbatim.
func (b *Broker) ExchangeRefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string, scopes []string, clientIP string) (*TokenResponse, error) {
	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	client, err := b.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		return nil, err
	}

	tokens, err := b.provider.RefreshToken(ctx, refreshToken, scopes)
	if err != nil {
		b.logger.Warn("Upstream refresh failed",
			"client_id", client.ClientID,
			"provider", b.provider.Name(),
			"error", err)
		return nil, refreshErrorToOAuth(err)
	}

	rotated := tokens.RefreshToken != "" && tokens.RefreshToken != refreshToken
	b.auditor.LogTokenRefreshed("", client.ClientID, clientIP, rotated)
	if b.metrics != nil {
		b.metrics.RecordTokenRefresh(ctx, client.ClientID, rotated)
	}

	return NewTokenResponse(tokens), nil
}

// VerifyAccessToken verifies an upstream access token and returns the
// identity bound to it.
func (b *Broker) VerifyAccessToken(ctx context.Context, accessToken string) (*upstream.AuthInfo, error) {
	if accessToken == "" {
		return nil, ErrInvalidToken("access token is required")
	}

	info, err := b.provider.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		return nil, ErrInvalidToken("access token is invalid or expired")
	}
	return info, nil
}

// RevokeToken forwards a revocation to the upstream IdP. Per RFC 7009 the
// client gets a success response even when the upstream refuses; the
// failure is logged for operators.
func (b *Broker) RevokeToken(ctx context.Context, clientID, clientSecret, token, clientIP string) error {
	if token == "" {
		return ErrInvalidRequest("token is required")
	}

	client, err := b.authenticateClient(ctx, clientID, clientSecret, clientIP)
	if err != nil {
		return err
	}

	if err := b.provider.RevokeToken(ctx, token); err != nil {
		b.logger.Warn("Upstream revocation failed",
			"client_id", client.ClientID,
			"provider", b.provider.Name(),
			"error", err)
	} else {
		b.auditor.LogTokenRevoked("", client.ClientID, clientIP, "refresh_token")
		if b.metrics != nil {
			b.metrics.RecordTokenRevocation(ctx, client.ClientID)
		}
	}
	return nil
}

// RegisterClient handles dynamic client registration. Public clients get no
// secret; confidential clients get a generated secret returned exactly once,
// with only a bcrypt hash retained.
func (b *Broker) RegisterClient(ctx context.Context, req *ClientRegistrationRequest, clientIP string) (*ClientRegistrationResponse, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, ErrInvalidRequest("at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := validateRedirectURI(uri); err != nil {
			return nil, ErrInvalidRequest(fmt.Sprintf("invalid redirect_uri %q: %v", uri, err))
		}
	}

	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}

	var clientType, secret, secretHash string
	switch authMethod {
	case "none":
		clientType = "public"
	case "client_secret_basic", "client_secret_post":
		clientType = "confidential"
		secret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			b.logger.Error("Failed to hash client secret", "error", err)
			return nil, ErrServerError("failed to register client")
		}
		secretHash = string(hash)
	default:
		return nil, ErrInvalidRequest("unsupported token_endpoint_auth_method")
	}

	now := time.Now()
	client := &storage.Client{
		ClientID:                uuid.NewString(),
		ClientSecretHash:        secretHash,
		ClientType:              clientType,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		TokenEndpointAuthMethod: authMethod,
		CreatedAt:               now,
	}
	if req.Scope != "" {
		client.Scopes = splitScopes(req.Scope)
	}

	if err := b.clients.RegisterClient(ctx, client); err != nil {
		b.logger.Error("Failed to store client registration", "error", err)
		return nil, ErrServerError("failed to register client")
	}

	b.auditor.LogClientRegistered(client.ClientID, clientIP, clientType)
	if b.metrics != nil {
		b.metrics.RecordClientRegistration(ctx, clientType)
	}

	return &ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        now.Unix(),
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.ClientName,
		TokenEndpointAuthMethod: authMethod,
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   req.Scope,
	}, nil
}

// authenticateClient resolves and authenticates the caller of a token or
// revocation request.
func (b *Broker) authenticateClient(ctx context.Context, clientID, clientSecret, clientIP string) (*storage.Client, error) {
	if clientID == "" {
		return nil, ErrInvalidClient("client_id is required")
	}

	client, err := b.clients.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			b.auditor.LogAuthFailure(clientID, clientIP, "unknown client")
			return nil, ErrInvalidClient("unknown client")
		}
		b.logger.Error("Client lookup failed", "error", err)
		return nil, ErrServerError("client lookup failed")
	}

	if client.ClientType == "confidential" {
		if err := b.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
			b.auditor.LogAuthFailure(clientID, clientIP, "client secret mismatch")
			return nil, ErrInvalidClient("client authentication failed")
		}
	}

	return client, nil
}

// verifyPKCE checks the S256 relation between the stored challenge and the
// presented verifier.
func verifyPKCE(challenge, verifier string) error {
	if challenge == "" {
		// Code was issued without PKCE; nothing to verify.
		return nil
	}
	if verifier == "" {
		return ErrInvalidGrant("code_verifier is required")
	}

	sum := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return ErrInvalidGrant("code_verifier does not match code_challenge")
	}
	return nil
}

// refreshErrorToOAuth maps an upstream refresh failure to the client-facing
// error. Only an upstream rejection of the grant itself reads as
// invalid_grant; a timeout or a 5xx must surface as server_error, or the
// client would discard a refresh token that is still good.
func refreshErrorToOAuth(err error) *OAuthError {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil &&
			retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
			return ErrInvalidGrant("refresh token is invalid or expired")
		}
		return ErrServerError("upstream identity provider error")
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrServerError("upstream identity provider timed out")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrServerError("upstream identity provider timed out")
	}

	return ErrServerError("upstream refresh failed")
}

// redirectURIRegistered requires an exact string match against the client's
// registered URIs. No prefix or pattern matching.
func redirectURIRegistered(client *storage.Client, uri string) bool {
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// validateRedirectURI accepts absolute URIs without fragments. Loopback HTTP
// and custom schemes are allowed because native MCP clients depend on them;
// plain http to a non-loopback host is not.
func validateRedirectURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() {
		return fmt.Errorf("must be absolute")
	}
	if u.Fragment != "" {
		return fmt.Errorf("must not contain a fragment")
	}
	if u.Scheme == "http" && !util.IsLoopbackHostname(u.Hostname()) {
		return fmt.Errorf("http is only allowed for loopback addresses")
	}
	return nil
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}
