package util

import "net"

// IsLoopbackHostname checks if a hostname represents a loopback address.
// This covers "localhost", the entire 127.0.0.0/8 range (RFC 1122), IPv6 ::1,
// and IPv4-mapped loopback. Expects the hostname without port, as returned by
// url.URL.Hostname().
//
// 0.0.0.0 is unspecified, not loopback, and returns false.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}

	// url.URL.Hostname() strips brackets already, but accept them anyway.
	clean := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		clean = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(clean); ip != nil {
		return ip.IsLoopback()
	}

	return false
}
