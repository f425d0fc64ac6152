package broker

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeInvalidState   = "invalid_state"
	ErrorCodeInvalidGrant   = "invalid_grant"
	ErrorCodeInvalidClient  = "invalid_client"
	ErrorCodeInvalidToken   = "invalid_token"
	ErrorCodeAccessDenied   = "access_denied"
	ErrorCodeServerError    = "server_error"
)

// OAuthError represents an OAuth 2.0 error response.
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidState indicates the state is unknown, expired, or already consumed.
	// Deliberately indistinguishable across those three causes.
	ErrInvalidState = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidState, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidToken indicates the access token is invalid or expired
	ErrInvalidToken = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidToken, desc, http.StatusUnauthorized)
	}

	// ErrAccessDenied indicates the user or the upstream IdP denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}
)

// CallbackError is an error raised during the upstream callback after the
// pending authorization was found, meaning the broker knows where the client
// wanted to land. Handlers deliver it as an error redirect to that URI
// instead of a bare HTTP error.
type CallbackError struct {
	Code        string // OAuth error code to place in the redirect
	Description string // error_description for the redirect
	RedirectURI string // the client's original redirect URI
	State       string // the client's original state, echoed verbatim
}

// Error implements the error interface
func (e *CallbackError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}
