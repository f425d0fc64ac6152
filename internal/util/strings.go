// Package util provides small helpers shared across the broker's packages:
// string truncation for logging sensitive values and loopback hostname
// checks for redirect URI validation.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise the first maxLen characters. Used when logging record IDs and
// token hashes, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
