package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "https://broker.example.com")

	want := map[string]string{
		"X-Frame-Options":           "DENY",
		"X-Content-Type-Options":    "nosniff",
		"Content-Security-Policy":   "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":           "no-referrer",
		"Cache-Control":             "no-store, no-cache, must-revalidate, private",
		"Pragma":                    "no-cache",
		"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	}
	for header, value := range want {
		if got := rec.Header().Get(header); got != value {
			t.Errorf("%s = %q, want %q", header, got, value)
		}
	}
}

func TestSetSecurityHeadersNoHSTSOverHTTP(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSecurityHeaders(rec, "http://localhost:8080")

	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("HSTS sent for an http base URL: %q", got)
	}
	// The cache prohibition applies regardless of scheme.
	if got := rec.Header().Get("Cache-Control"); got == "" {
		t.Error("Cache-Control missing")
	}
}
