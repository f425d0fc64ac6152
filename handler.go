package broker

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/canopyhq/oauth-broker/security"
)

// Handler exposes the broker's OAuth endpoints over HTTP.
type Handler struct {
	broker              *Broker
	logger              *slog.Logger
	rateLimiter         *security.RateLimiter
	registrationLimiter *security.ClientRegistrationRateLimiter
	trustProxy          bool
}

// HandlerOptions configures the HTTP layer.
type HandlerOptions struct {
	// RateLimiter rate limits all OAuth endpoints per IP. Nil disables it.
	RateLimiter *security.RateLimiter

	// RegistrationLimiter rate limits dynamic client registration per IP.
	// Nil disables the limit.
	RegistrationLimiter *security.ClientRegistrationRateLimiter

	// TrustProxy enables X-Forwarded-For parsing for client IPs.
	TrustProxy bool
}

// NewHandler creates the HTTP handler around a broker.
func NewHandler(b *Broker, opts HandlerOptions) *Handler {
	return &Handler{
		broker:              b,
		logger:              b.Config().Logger,
		rateLimiter:         opts.RateLimiter,
		registrationLimiter: opts.RegistrationLimiter,
		trustProxy:          opts.TrustProxy,
	}
}

// Routes returns the broker's HTTP mux wrapped with request ID tracking,
// security headers, and per-IP rate limiting.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /oauth/authorize", h.handleAuthorize)
	mux.HandleFunc("GET /oauth/callback", h.handleCallback)
	mux.HandleFunc("POST /oauth/token", h.handleToken)
	mux.HandleFunc("POST /oauth/revoke", h.handleRevoke)
	mux.HandleFunc("POST /oauth/register", h.handleRegister)
	mux.HandleFunc("GET /healthz", h.handleHealth)

	var handler http.Handler = mux
	handler = h.withSecurity(handler)
	handler = h.withMetrics(handler)
	return security.RequestIDMiddleware(handler)
}

// withMetrics records request count and latency per endpoint. It wraps the
// security middleware so rate-limited responses are counted too.
func (h *Handler) withMetrics(next http.Handler) http.Handler {
	if h.broker.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.broker.metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path,
			rec.status, float64(time.Since(start).Milliseconds()))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// withSecurity applies security headers to every response and enforces the
// per-IP rate limit. The health endpoint is exempt so probes never starve.
func (h *Handler) withSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, h.broker.Config().BaseURL)

		if h.rateLimiter != nil && r.URL.Path != "/healthz" {
			if !h.rateLimiter.Allow(h.clientIP(r)) {
				if h.broker.metrics != nil {
					h.broker.metrics.RecordRateLimitExceeded(r.Context(), "per_ip")
				}
				h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest,
					"rate limit exceeded", http.StatusTooManyRequests))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// handleAuthorize starts the dual flow: it validates the client request and
// redirects the user agent to the upstream IdP.
func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
	}
	if scope := q.Get("scope"); scope != "" {
		req.Scopes = strings.Fields(scope)
	}

	location, err := h.broker.Authorize(r.Context(), req, h.clientIP(r))
	if err != nil {
		// Redirect-based error delivery is deliberately not used here:
		// until the redirect URI is validated, sending errors to it would
		// make the broker an open redirector.
		h.writeError(w, err)
		return
	}

	http.Redirect(w, r, location, http.StatusFound)
}

// handleCallback receives the upstream IdP's redirect.
func (h *Handler) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	result, err := h.broker.CompleteCallback(r.Context(),
		q.Get("state"), q.Get("code"), q.Get("error"), q.Get("error_description"))
	if err != nil {
		var cbErr *CallbackError
		if errors.As(err, &cbErr) {
			http.Redirect(w, r, ErrorRedirectLocation(cbErr), http.StatusFound)
			return
		}
		h.writeError(w, err)
		return
	}

	http.Redirect(w, r, result.RedirectLocation(), http.StatusFound)
}

// handleToken serves both supported grants.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	clientIP := h.clientIP(r)

	var resp *TokenResponse
	var err error
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		resp, err = h.broker.ExchangeAuthorizationCode(r.Context(),
			clientID, clientSecret,
			r.PostFormValue("code"),
			r.PostFormValue("code_verifier"),
			r.PostFormValue("redirect_uri"),
			clientIP)
	case "refresh_token":
		var scopes []string
		if scope := r.PostFormValue("scope"); scope != "" {
			scopes = strings.Fields(scope)
		}
		resp, err = h.broker.ExchangeRefreshToken(r.Context(),
			clientID, clientSecret,
			r.PostFormValue("refresh_token"),
			scopes,
			clientIP)
	default:
		err = ErrInvalidRequest("unsupported grant_type")
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode token response", "error", err)
	}
}

// handleRevoke forwards revocations upstream. Per RFC 7009 the response is
// 200 even when the token was already invalid.
func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed form body"))
		return
	}

	clientID, clientSecret := h.clientCredentials(r)
	if err := h.broker.RevokeToken(r.Context(), clientID, clientSecret,
		r.PostFormValue("token"), h.clientIP(r)); err != nil {
		h.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleRegister implements dynamic client registration.
func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	clientIP := h.clientIP(r)

	if h.registrationLimiter != nil && !h.registrationLimiter.Allow(clientIP) {
		h.logger.Warn("Client registration rate limit exceeded", "ip", clientIP)
		h.writeError(w, NewOAuthError(ErrorCodeInvalidRequest,
			"registration rate limit exceeded", http.StatusTooManyRequests))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		h.writeError(w, ErrInvalidRequest("malformed registration request"))
		return
	}

	resp, err := h.broker.RegisterClient(r.Context(), &req, clientIP)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode registration response", "error", err)
	}
}

// handleHealth reports liveness and upstream reachability.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	code := http.StatusOK

	if err := h.broker.Provider().HealthCheck(r.Context()); err != nil {
		status["status"] = "degraded"
		status["upstream"] = err.Error()
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// clientCredentials extracts client authentication from the Basic header or
// the form body, in that order.
func (h *Handler) clientCredentials(r *http.Request) (clientID, clientSecret string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}

func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.trustProxy, 1)
}

// writeError renders an error as an OAuth JSON error body. Unknown error
// values become opaque server_error responses so internals never leak.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) {
		h.logger.Error("Unclassified handler error", "error", err)
		oauthErr = ErrServerError("internal error")
	}

	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth-broker"`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthErr.Status)
	_ = json.NewEncoder(w).Encode(&ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}
