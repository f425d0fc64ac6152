package broker

import (
	"net/url"

	"github.com/canopyhq/oauth-broker/upstream"
)

// TokenResponse is the JSON body returned from the token endpoint. The
// broker relays the upstream tokens verbatim; it never mints its own.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// NewTokenResponse converts upstream tokens into the wire response.
func NewTokenResponse(tokens *upstream.Tokens) *TokenResponse {
	tokenType := tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &TokenResponse{
		AccessToken:  tokens.AccessToken,
		TokenType:    tokenType,
		ExpiresIn:    tokens.ExpiresIn,
		RefreshToken: tokens.RefreshToken,
		Scope:        tokens.Scope,
	}
}

// ErrorResponse is the standard OAuth 2.0 JSON error body.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// AuthorizationRequest carries the parameters of a client's authorization
// request after parsing.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scopes              []string
}

// CallbackResult is the outcome of a successful upstream callback: a fresh
// one-time code to deliver to the client at its original redirect URI.
type CallbackResult struct {
	Code        string
	RedirectURI string
	State       string
}

// RedirectLocation builds the client redirect URL carrying the code and the
// client's original state.
func (r *CallbackResult) RedirectLocation() string {
	u, err := url.Parse(r.RedirectURI)
	if err != nil {
		// The URI was validated at authorize time; treat a parse failure
		// here as a plain query append.
		return r.RedirectURI + "?code=" + url.QueryEscape(r.Code)
	}
	q := u.Query()
	q.Set("code", r.Code)
	if r.State != "" {
		q.Set("state", r.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ErrorRedirectLocation builds an error redirect URL for a callback failure.
func ErrorRedirectLocation(e *CallbackError) string {
	u, err := url.Parse(e.RedirectURI)
	if err != nil {
		return e.RedirectURI
	}
	q := u.Query()
	q.Set("error", e.Code)
	if e.Description != "" {
		q.Set("error_description", e.Description)
	}
	if e.State != "" {
		q.Set("state", e.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ClientRegistrationRequest is the RFC 7591 dynamic registration request
// subset the broker accepts.
type ClientRegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the registration result returned to the
// client. The plaintext secret appears only here; the stored copy is hashed.
type ClientRegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope,omitempty"`
}
