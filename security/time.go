package security

import "time"

// DefaultClockSkewGracePeriod is the grace period applied to token
// expiration checks. It absorbs NTP drift between the broker, clients,
// and the upstream IdP.
const DefaultClockSkewGracePeriod = 5 * time.Second

// IsTokenExpired checks if a token is expired with the default clock skew
// grace period.
func IsTokenExpired(expiresAt time.Time) bool {
	return IsTokenExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsTokenExpiredWithGracePeriod checks if a token is expired with a custom
// grace period. A zero expiry means the token does not expire.
func IsTokenExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().After(expiresAt.Add(gracePeriod))
}

// IsTokenExpiringSoon checks if a token will expire within the given threshold.
func IsTokenExpiringSoon(expiresAt time.Time, threshold time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(threshold).After(expiresAt)
}
