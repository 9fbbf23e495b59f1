package security

import "time"

const (
	// DefaultClockSkewGracePeriod is the default grace period applied to
	// expiry checks on stored credentials (authorization codes, persisted
	// tokens). It prevents false expiration errors caused by minor time
	// drift between the issuing and the redeeming host.
	//
	// The trade-off: a code can be redeemed up to 5 seconds past its true
	// expiry. For a 5-minute code TTL this is acceptable; deployments with
	// stricter requirements can call the WithGracePeriod variant directly.
	DefaultClockSkewGracePeriod = 5 * time.Second
)

// IsExpired checks whether a credential is expired, applying the default
// clock skew grace period.
func IsExpired(expiresAt time.Time) bool {
	return IsExpiredWithGracePeriod(expiresAt, DefaultClockSkewGracePeriod)
}

// IsExpiredWithGracePeriod checks whether a credential is expired with a
// custom clock skew grace period. A zero expiresAt means no expiration.
func IsExpiredWithGracePeriod(expiresAt time.Time, gracePeriod time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}

	return time.Now().After(expiresAt.Add(gracePeriod))
}
