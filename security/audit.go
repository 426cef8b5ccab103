// Package security provides security helpers for the authorization server:
// audit logging with PII protection, secure response headers, client IP
// extraction, and expiry math for short-lived credentials.
package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Event type constants for security audit logging.
const (
	// EventCodeIssued is logged when an authorization code is issued
	EventCodeIssued = "code_issued"

	// EventCodeRedeemed is logged when an authorization code is exchanged for a token
	EventCodeRedeemed = "code_redeemed"

	// EventTokenIssued is logged when an access token is issued or extended
	EventTokenIssued = "token_issued"

	// EventAuthFailure is logged when client or user authentication fails
	EventAuthFailure = "auth_failure"

	// EventConsentDenied is logged when a user denies an authorization request
	EventConsentDenied = "consent_denied"

	// EventFlashRelayed is logged when queued messages are delivered to a trusted client
	EventFlashRelayed = "flash_relayed"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientKey string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_key", event.ClientKey,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogCodeIssued logs when an authorization code is issued
func (a *Auditor) LogCodeIssued(userID, clientKey, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventCodeIssued,
		UserID:    userID,
		ClientKey: clientKey,
		IPAddress: ipAddress,
		Details: map[string]any{
			"scope": scope,
		},
	})
}

// LogCodeRedeemed logs when an authorization code is exchanged
func (a *Auditor) LogCodeRedeemed(userID, clientKey, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventCodeRedeemed,
		UserID:    userID,
		ClientKey: clientKey,
		IPAddress: ipAddress,
	})
}

// LogTokenIssued logs when a token is issued or its scope extended
func (a *Auditor) LogTokenIssued(userID, clientKey, ipAddress, grantType, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		UserID:    userID,
		ClientKey: clientKey,
		IPAddress: ipAddress,
		Details: map[string]any{
			"grant_type": grantType,
			"scope":      scope,
		},
	})
}

// LogAuthFailure logs an authentication failure
func (a *Auditor) LogAuthFailure(userID, clientKey, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		UserID:    userID,
		ClientKey: clientKey,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogConsentDenied logs when a user denies an authorization request
func (a *Auditor) LogConsentDenied(userID, clientKey, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventConsentDenied,
		UserID:    userID,
		ClientKey: clientKey,
		IPAddress: ipAddress,
	})
}

// LogFlashRelayed logs delivery of queued messages to a trusted client
func (a *Auditor) LogFlashRelayed(userID, clientKey string, count int) {
	a.LogEvent(Event{
		Type:      EventFlashRelayed,
		UserID:    userID,
		ClientKey: clientKey,
		Details: map[string]any{
			"count": count,
		},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
