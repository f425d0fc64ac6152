package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{
			name:   "string shorter than maxLen",
			input:  "short",
			maxLen: 10,
			want:   "short",
		},
		{
			name:   "string equal to maxLen",
			input:  "exactly10c",
			maxLen: 10,
			want:   "exactly10c",
		},
		{
			name:   "string longer than maxLen",
			input:  "this-is-a-very-long-code-string",
			maxLen: 8,
			want:   "this-is-",
		},
		{
			name:   "empty string",
			input:  "",
			maxLen: 5,
			want:   "",
		},
		{
			name:   "maxLen is zero",
			input:  "test",
			maxLen: 0,
			want:   "",
		},
		{
			name:   "maxLen is negative",
			input:  "test",
			maxLen: -1,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeTruncate(tt.input, tt.maxLen)
			if got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		want     bool
	}{
		{"localhost", "localhost", true},
		{"IPv4 loopback", "127.0.0.1", true},
		{"IPv4 loopback range", "127.8.9.10", true},
		{"IPv6 loopback", "::1", true},
		{"bracketed IPv6 loopback", "[::1]", true},
		{"IPv4-mapped loopback", "::ffff:127.0.0.1", true},
		{"unspecified IPv4", "0.0.0.0", false},
		{"unspecified IPv6", "::", false},
		{"private address", "192.168.1.1", false},
		{"public address", "8.8.8.8", false},
		{"regular hostname", "example.com", false},
		{"localhost lookalike", "localhost.evil.com", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsLoopbackHostname(tt.hostname)
			if got != tt.want {
				t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
			}
		})
	}
}
