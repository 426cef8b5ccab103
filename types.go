package lastuser

// TokenResponse is the token endpoint's success body. ExpiresIn and
// RefreshToken appear only for expiring tokens (non-zero validity).
type TokenResponse struct {
	// AccessToken is the opaque bearer token
	AccessToken string `json:"access_token"`

	// TokenType is "bearer"
	TokenType string `json:"token_type"`

	// Scope is the token's effective scope, space-delimited and sorted
	Scope string `json:"scope"`

	// ExpiresIn is the token lifetime in seconds, omitted for non-expiring tokens
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken accompanies expiring tokens
	RefreshToken string `json:"refresh_token,omitempty"`

	// UserInfo describes the granting user for user-bound grants
	UserInfo *UserInfo `json:"userinfo,omitempty"`

	// Messages holds queued notifications relayed to trusted clients
	Messages []Message `json:"messages,omitempty"`
}

// UserInfo is the user payload on user-bound token grants. Email is present
// only when the effective scope includes the reserved email token;
// Permissions only when a permission grant exists for the (user, client)
// pair.
type UserInfo struct {
	UserID      string   `json:"userid"`
	Username    string   `json:"username"`
	FullName    string   `json:"fullname"`
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Message is a queued notification delivered through the token response.
type Message struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// ErrorResponse is the token endpoint's error body.
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}
