package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name           string
		remoteAddr     string
		xff            string
		xRealIP        string
		trustProxy     bool
		trustedProxies int
		want           string
	}{
		{
			name:       "direct connection",
			remoteAddr: "203.0.113.7:51234",
			want:       "203.0.113.7",
		},
		{
			name:       "forwarded headers ignored without trust",
			remoteAddr: "203.0.113.7:51234",
			xff:        "198.51.100.99",
			xRealIP:    "198.51.100.98",
			want:       "203.0.113.7",
		},
		{
			name:           "single proxy",
			remoteAddr:     "10.0.0.2:443",
			xff:            "203.0.113.7",
			trustProxy:     true,
			trustedProxies: 1,
			want:           "203.0.113.7",
		},
		{
			name:           "client prepended junk is skipped",
			remoteAddr:     "10.0.0.2:443",
			xff:            "evil-injected, 203.0.113.7",
			trustProxy:     true,
			trustedProxies: 1,
			want:           "203.0.113.7",
		},
		{
			name:           "two trusted proxies",
			remoteAddr:     "10.0.0.2:443",
			xff:            "203.0.113.7, 10.0.0.3, 10.0.0.2",
			trustProxy:     true,
			trustedProxies: 2,
			want:           "203.0.113.7",
		},
		{
			name:           "unparseable forwarded entry falls back to X-Real-IP",
			remoteAddr:     "10.0.0.2:443",
			xff:            "not-an-ip",
			xRealIP:        "203.0.113.7",
			trustProxy:     true,
			trustedProxies: 1,
			want:           "203.0.113.7",
		},
		{
			name:           "no usable header falls back to the connection",
			remoteAddr:     "10.0.0.2:443",
			trustProxy:     true,
			trustedProxies: 1,
			want:           "10.0.0.2",
		},
		{
			name:       "ipv6 connection",
			remoteAddr: "[2001:db8::1]:51234",
			want:       "2001:db8::1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "203.0.113.7",
			want:       "203.0.113.7",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/oauth/token", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			if got := GetClientIP(r, tt.trustProxy, tt.trustedProxies); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}
