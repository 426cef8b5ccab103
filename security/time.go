package security

import "time"

const (
	// DefaultAuthCodeTTL is the redemption window for authorization codes.
	// A code older than this is dead: expired codes are deleted at
	// redemption time and never reusable.
	DefaultAuthCodeTTL = 60 * time.Second
)

// IsCodeExpired reports whether an authorization code created at createdAt
// is outside its redemption window at the instant now. The boundary is
// exclusive: a code is still valid at exactly createdAt+ttl.
func IsCodeExpired(createdAt time.Time, ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		ttl = DefaultAuthCodeTTL
	}
	return now.After(createdAt.Add(ttl))
}

// IsTokenExpired reports whether a token issued at createdAt with the given
// validity (seconds) has expired at now. Zero validity means the token never
// expires.
func IsTokenExpired(createdAt time.Time, validitySeconds int64, now time.Time) bool {
	if validitySeconds <= 0 {
		return false
	}
	return now.After(createdAt.Add(time.Duration(validitySeconds) * time.Second))
}
