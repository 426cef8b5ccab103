package identity

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is compared against when a username does not resolve, so lookup
// time does not reveal whether an account exists.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("lastuser-dummy-password-for-timing"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("identity: generating dummy hash: %v", err))
	}
	return h
}()

// StaticDirectory is an in-memory Directory backed by bcrypt password
// hashes. It serves embedding scenarios and tests; production deployments
// wire their own Directory.
type StaticDirectory struct {
	mu     sync.RWMutex
	users  map[string]*User // by username
	hashes map[string][]byte
}

// NewStaticDirectory creates an empty directory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{
		users:  make(map[string]*User),
		hashes: make(map[string][]byte),
	}
}

// AddUser registers a user with a plaintext password, which is stored as a
// bcrypt hash. Re-adding a username replaces the previous record.
func (d *StaticDirectory) AddUser(user *User, password string) error {
	if user == nil || user.Username == "" {
		return fmt.Errorf("identity: user with a username is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("identity: hashing password: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	u := *user
	d.users[user.Username] = &u
	d.hashes[user.Username] = hash
	return nil
}

// LookupUser resolves a username. Unknown usernames return (nil, nil).
func (d *StaticDirectory) LookupUser(_ context.Context, username string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	user, ok := d.users[username]
	if !ok {
		return nil, nil
	}
	u := *user
	return &u, nil
}

// LookupUserByID resolves a user ID. Unknown IDs return (nil, nil).
func (d *StaticDirectory) LookupUserByID(_ context.Context, id string) (*User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, user := range d.users {
		if user.ID == id {
			u := *user
			return &u, nil
		}
	}
	return nil, nil
}

// VerifyPassword checks a password against the stored bcrypt hash. When the
// user is unknown it still performs a comparison against a dummy hash so the
// call takes the same time.
func (d *StaticDirectory) VerifyPassword(_ context.Context, user *User, password string) (bool, error) {
	var hash []byte
	if user != nil {
		d.mu.RLock()
		hash = d.hashes[user.Username]
		d.mu.RUnlock()
	}
	if hash == nil {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false, nil
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil, nil
}

// Compile-time interface check
var _ Directory = (*StaticDirectory)(nil)
