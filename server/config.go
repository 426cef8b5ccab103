package server

import (
	"log/slog"
	"time"

	"github.com/hasgeek/lastuser/security"
)

// Config holds authorization server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is the redemption window for authorization codes.
	// Codes older than this are deleted on redemption attempts.
	// Default: 60 seconds
	AuthorizationCodeTTL time.Duration

	// AccessTokenValidity is the lifetime stamped on issued tokens, in
	// seconds. Zero means tokens do not expire, and the token response omits
	// expires_in and refresh_token.
	// Default: 0 (non-expiring)
	AccessTokenValidity int64

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers for
	// audit logging. Only enable behind a trusted reverse proxy.
	// Default: false
	TrustProxy bool
}

// applyDefaults returns a copy of the config with defaults filled in.
// The original config is not modified.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	cfg := *config

	if cfg.AuthorizationCodeTTL <= 0 {
		cfg.AuthorizationCodeTTL = security.DefaultAuthCodeTTL
	}
	if cfg.AccessTokenValidity < 0 {
		logger.Warn("Negative access token validity, using non-expiring tokens",
			"configured", cfg.AccessTokenValidity)
		cfg.AccessTokenValidity = 0
	}

	return &cfg
}
