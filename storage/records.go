package storage

import (
	"fmt"
	"time"
)

// MACAlgorithm is the closed set of MAC algorithms a token may carry. The
// zero value means the token has no MAC secret.
type MACAlgorithm string

const (
	// MACNone marks a plain bearer token with no MAC secret.
	MACNone MACAlgorithm = ""

	// MACHMACSHA1 marks an hmac-sha-1 signed token.
	MACHMACSHA1 MACAlgorithm = "hmac-sha-1"

	// MACHMACSHA256 marks an hmac-sha-256 signed token.
	MACHMACSHA256 MACAlgorithm = "hmac-sha-256"
)

// ParseMACAlgorithm validates a wire value against the closed enumeration.
// An empty string parses to MACNone.
func ParseMACAlgorithm(s string) (MACAlgorithm, error) {
	switch MACAlgorithm(s) {
	case MACNone, MACHMACSHA1, MACHMACSHA256:
		return MACAlgorithm(s), nil
	default:
		return MACNone, fmt.Errorf("unrecognized algorithm %q", s)
	}
}

// Client is a registered client application.
type Client struct {
	ID               string
	UserID           string // owning user
	Title            string
	Description      string
	Owner            string
	Website          string
	RedirectURI      string
	NotificationURI  string
	ResourceURI      string
	Active           bool
	AllowAnyLogin    bool // when false, users need an explicit permission grant
	Key              string
	SecretHash       string // bcrypt hash
	Trusted          bool
	CreatedAt        time.Time
}

// Resource is an access-controlled API published by a client. Its name is
// globally unique and is the first segment of scope tokens.
type Resource struct {
	ID           string
	ClientID     string
	Name         string
	Title        string
	Description  string
	SiteResource bool
	Trusted      bool // only trusted clients may request this resource in scope
	CreatedAt    time.Time
}

// ResourceAction is a named operation on a resource. Scope tokens of the form
// resource/action reference one.
type ResourceAction struct {
	ID          string
	ResourceID  string
	Name        string
	Title       string
	Description string
	CreatedAt   time.Time
}

// AuthCode is a single-use authorization code bound to (user, client, scope,
// redirect URI). Codes are redeemable once, within a fixed window of
// CreatedAt.
type AuthCode struct {
	ID          string
	UserID      string
	ClientID    string
	Code        string
	Scope       string // space-delimited
	RedirectURI string
	Used        bool
	CreatedAt   time.Time
}

// AuthToken is an issued access token. At most one exists per (user, client)
// pair; UserID is empty for client-only grants. Validity of zero means the
// token does not expire.
type AuthToken struct {
	ID           string
	UserID       string // empty for client_credentials tokens
	ClientID     string
	Token        string
	TokenType    string // "bearer"
	Secret       string // MAC secret, empty when Algorithm is MACNone
	Algorithm    MACAlgorithm
	Scope        string // space-delimited
	Validity     int64  // seconds; 0 = non-expiring
	RefreshToken string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// UserClientPermissions is the grant record scoping which permission tokens
// a user holds for a client, and whether the user may use a client with
// allow_any_login disabled.
type UserClientPermissions struct {
	ID          string
	UserID      string
	ClientID    string
	Permissions string // space-delimited
	CreatedAt   time.Time
}

// FlashMessage is a queued per-user notification awaiting relay to a trusted
// client through the token response.
type FlashMessage struct {
	ID        string
	UserID    string
	Seq       int
	Category  string
	Message   string
	CreatedAt time.Time
}
