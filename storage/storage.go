// Package storage defines the persistence contracts for the authorization
// server: typed entity records, the store interfaces the business logic
// depends on, and the sentinel errors implementations return. Backends exist
// for in-memory use (storage/memory) and PostgreSQL (storage/postgres).
package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. Callers match them with
// errors.Is.
var (
	// ErrClientNotFound is returned when no client exists for a key or ID.
	ErrClientNotFound = errors.New("client not found")

	// ErrClientKeyExists is returned when saving a client whose key is
	// already registered to a different client.
	ErrClientKeyExists = errors.New("client key already exists")

	// ErrInvalidClientSecret is returned when a client secret does not match.
	ErrInvalidClientSecret = errors.New("invalid client secret")

	// ErrResourceNotFound is returned when no resource exists for a name.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrResourceNameExists is returned when saving a resource whose name is
	// already registered.
	ErrResourceNameExists = errors.New("resource name already exists")

	// ErrResourceActionNotFound is returned when a resource has no action of
	// the requested name.
	ErrResourceActionNotFound = errors.New("resource action not found")

	// ErrAuthCodeNotFound is returned when no redeemable authorization code
	// matches (code, client). Already-consumed codes are reported the same
	// way as unknown ones.
	ErrAuthCodeNotFound = errors.New("authorization code not found")

	// ErrAuthCodeExpired is returned when an authorization code exists but
	// is older than the redemption window. The code is deleted as a side
	// effect.
	ErrAuthCodeExpired = errors.New("authorization code expired")

	// ErrTokenNotFound is returned when no token exists for a (user, client)
	// pair or token value.
	ErrTokenNotFound = errors.New("token not found")

	// ErrPermissionsNotFound is returned when no permission grant exists for
	// a (user, client) pair.
	ErrPermissionsNotFound = errors.New("permissions not found")
)

// ClientStore manages registered client applications.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient persists a client. The client's Key must be globally
	// unique; saving a new client with a taken key returns
	// ErrClientKeyExists. Secrets are stored as bcrypt hashes.
	SaveClient(ctx context.Context, client *Client) error

	// GetClientByKey retrieves a client by its public key.
	GetClientByKey(ctx context.Context, key string) (*Client, error)

	// ValidateClientSecret checks a plaintext secret against the stored
	// hash. It returns ErrInvalidClientSecret on mismatch and must take the
	// same time whether or not the client exists.
	ValidateClientSecret(ctx context.Context, key, secret string) error

	// DeleteClient removes a client and cascades to its resources, those
	// resources' actions, its authorization codes, its tokens, and its
	// permission grants.
	DeleteClient(ctx context.Context, key string) error
}

// ResourceStore manages resources and their actions. Resource names are
// globally unique; action names are unique within their resource.
type ResourceStore interface {
	// SaveResource persists a resource. A new resource with a taken name
	// returns ErrResourceNameExists.
	SaveResource(ctx context.Context, resource *Resource) error

	// GetResourceByName retrieves a resource by its globally-unique name.
	GetResourceByName(ctx context.Context, name string) (*Resource, error)

	// SaveResourceAction persists an action under its resource.
	SaveResourceAction(ctx context.Context, action *ResourceAction) error

	// GetResourceAction retrieves an action by (resource ID, action name).
	GetResourceAction(ctx context.Context, resourceID, name string) (*ResourceAction, error)
}

// FlowStore manages authorization codes.
type FlowStore interface {
	// SaveAuthCode persists a freshly issued authorization code.
	SaveAuthCode(ctx context.Context, code *AuthCode) error

	// GetAuthCode retrieves a redeemable code for a client without consuming
	// it, so callers can validate the exchange request against the stored
	// row before committing to redemption. A missing or already-consumed
	// code returns ErrAuthCodeNotFound. A code older than maxAge is deleted
	// and returns ErrAuthCodeExpired; expiry is the only mutation this
	// method performs.
	GetAuthCode(ctx context.Context, code, clientID string, maxAge time.Duration) (*AuthCode, error)

	// ConsumeAuthCode atomically redeems a code for a client. The lookup is
	// by (code, client ID); a missing or already-consumed code returns
	// ErrAuthCodeNotFound. A code older than maxAge is deleted and returns
	// ErrAuthCodeExpired. On success the code is marked used before this
	// method returns, so a concurrent redemption of the same code observes
	// ErrAuthCodeNotFound.
	//
	// SECURITY: the check-and-consume must be a single atomic step to
	// prevent double redemption.
	ConsumeAuthCode(ctx context.Context, code, clientID string, maxAge time.Duration) (*AuthCode, error)
}

// TokenStore manages access tokens. At most one token exists per
// (user, client) pair; client-only tokens use an empty user ID.
type TokenStore interface {
	// GetToken retrieves the token for a (user, client) pair.
	GetToken(ctx context.Context, userID, clientID string) (*AuthToken, error)

	// UpsertToken creates the token for candidate's (user, client) pair, or
	// extends the existing row's scope by set union and returns it. The
	// find-or-create must be atomic: two concurrent upserts for the same
	// pair must never produce two rows. The returned token is the stored
	// row, which keeps the original token value when the row already
	// existed.
	UpsertToken(ctx context.Context, candidate *AuthToken) (*AuthToken, error)

	// DeleteToken removes the token for a (user, client) pair.
	DeleteToken(ctx context.Context, userID, clientID string) error
}

// GrantStore manages per-(user, client) permission grants.
type GrantStore interface {
	// SavePermissions persists (or replaces) the grant for the pair named
	// by the record.
	SavePermissions(ctx context.Context, grant *UserClientPermissions) error

	// GetPermissions retrieves the grant for a (user, client) pair.
	GetPermissions(ctx context.Context, userID, clientID string) (*UserClientPermissions, error)
}

// FlashStore manages queued per-user notification messages awaiting relay to
// a trusted client.
type FlashStore interface {
	// SaveFlashMessage appends a message to a user's queue.
	SaveFlashMessage(ctx context.Context, msg *FlashMessage) error

	// DrainFlashMessages returns a user's queued messages in seq order and
	// deletes them. Delivery is exactly-once best-effort: once drained the
	// messages are gone even if the caller fails to deliver them.
	DrainFlashMessages(ctx context.Context, userID string) ([]*FlashMessage, error)
}

// Store is the full persistence surface the server wires against. Both
// bundled backends implement it.
type Store interface {
	ClientStore
	ResourceStore
	FlowStore
	TokenStore
	GrantStore
	FlashStore
}
