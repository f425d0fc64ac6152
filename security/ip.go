package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the address rate limits and audit events key on.
// With trustProxy off, forwarded headers are attacker-controlled input and
// only the connection's own address counts. With it on, the broker sits
// behind trustedProxies reverse proxies it operates, and the client address
// is read out of X-Forwarded-For (falling back to X-Real-IP).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxies int) string {
	if trustProxy {
		if ip := forwardedClientIP(r.Header.Get("X-Forwarded-For"), trustedProxies); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// forwardedClientIP picks the client address out of an X-Forwarded-For
// list. The rightmost trustedProxies entries were appended by proxies the
// operator runs; the client is the entry just left of those. Anything
// further left was supplied by the client itself and is ignored. Returns ""
// when the chosen entry does not parse as an IP.
func forwardedClientIP(xff string, trustedProxies int) string {
	if xff == "" {
		return ""
	}
	if trustedProxies <= 0 {
		trustedProxies = 1
	}

	hops := strings.Split(xff, ",")
	i := len(hops) - trustedProxies - 1
	if i < 0 {
		i = 0
	}

	ip := strings.TrimSpace(hops[i])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
