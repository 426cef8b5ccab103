// Package identity exposes the user directory the authorization server
// authenticates against. User records and password verification live outside
// the OAuth core; this package defines the contract and a bcrypt-backed
// in-memory directory for embedding and tests.
package identity

import "context"

// User is an authenticated account as seen by the authorization server.
type User struct {
	ID       string
	Username string
	FullName string
	Email    string
}

// Directory resolves usernames to users and verifies their credentials.
// All methods accept context.Context for tracing and cancellation.
type Directory interface {
	// LookupUser resolves a username. A nil user with a nil error means the
	// user does not exist; callers must not distinguish this from a wrong
	// password in anything surfaced to clients.
	LookupUser(ctx context.Context, username string) (*User, error)

	// LookupUserByID resolves a user ID, as recorded on authorization codes
	// and tokens. A nil user with a nil error means the user does not exist.
	LookupUserByID(ctx context.Context, id string) (*User, error)

	// VerifyPassword checks a user's password. It returns false for any
	// mismatch and must not reveal why verification failed.
	VerifyPassword(ctx context.Context, user *User, password string) (bool, error)
}
