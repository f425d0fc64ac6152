package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders applies the response headers every broker endpoint
// carries. The broker serves no HTML of its own; its pages exist only as
// redirect hops in the authorization flow, so framing and resource loading
// are shut off entirely. Token and code responses must never be cached by
// an intermediary (RFC 6749 section 5.1), hence the unconditional no-store.
// HSTS is sent only when the broker's public base URL is https.
func SetSecurityHeaders(w http.ResponseWriter, baseURL string) {
	h := w.Header()

	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	h.Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	h.Set("Pragma", "no-cache")

	if u, err := url.Parse(baseURL); err == nil && u.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}
}
