// Package testutil provides testing utilities and fixtures for the
// authorization server.
package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/hasgeek/lastuser/storage"
)

// TestClientSecret is the plaintext secret all fixture clients use.
const TestClientSecret = "test-client-secret"

var (
	secretHashOnce sync.Once
	secretHash     string
)

// TestClientSecretHash returns the bcrypt hash of TestClientSecret, computed
// once at MinCost to keep test suites fast.
func TestClientSecretHash() string {
	secretHashOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte(TestClientSecret), bcrypt.MinCost)
		if err != nil {
			panic(fmt.Sprintf("failed to hash test secret: %v", err))
		}
		secretHash = string(h)
	})
	return secretHash
}

// MockTime provides a controllable time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// NewTestClient creates a client fixture. The secret hash matches
// TestClientSecret.
func NewTestClient(key string) *storage.Client {
	return &storage.Client{
		ID:            "client-" + key,
		UserID:        "owner-1",
		Title:         "Test App " + key,
		Description:   "A test application",
		Owner:         "Test Owner",
		Website:       "https://" + key + ".example.com",
		RedirectURI:   "https://" + key + ".example.com/callback",
		Active:        true,
		AllowAnyLogin: true,
		Key:           key,
		SecretHash:    TestClientSecretHash(),
		Trusted:       false,
		CreatedAt:     time.Now(),
	}
}

// NewTestResource creates a resource fixture owned by the given client.
func NewTestResource(name, clientID string) *storage.Resource {
	return &storage.Resource{
		ID:        "resource-" + name,
		ClientID:  clientID,
		Name:      name,
		Title:     "Resource " + name,
		CreatedAt: time.Now(),
	}
}

// NewTestResourceAction creates an action fixture on the given resource.
func NewTestResourceAction(name, resourceID string) *storage.ResourceAction {
	return &storage.ResourceAction{
		ID:         "action-" + resourceID + "-" + name,
		ResourceID: resourceID,
		Name:       name,
		Title:      "Action " + name,
		CreatedAt:  time.Now(),
	}
}

// NewTestAuthCode creates an authorization code fixture.
func NewTestAuthCode(userID, clientID, scope string, createdAt time.Time) *storage.AuthCode {
	return &storage.AuthCode{
		ID:          GenerateRandomString(16),
		UserID:      userID,
		ClientID:    clientID,
		Code:        GenerateRandomString(32),
		Scope:       scope,
		RedirectURI: "https://app.example.com/callback",
		CreatedAt:   createdAt,
	}
}

// AssertNoError fails the test if err is not nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// AssertError fails the test if err is nil
func AssertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error but got nil")
	}
}

// AssertEqual fails the test if got != want
func AssertEqual(t *testing.T, got, want interface{}) {
	t.Helper()
	if got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

// AssertTrue fails the test if condition is false
func AssertTrue(t *testing.T, condition bool, message string) {
	t.Helper()
	if !condition {
		t.Errorf("assertion failed: %s", message)
	}
}

// AssertFalse fails the test if condition is true
func AssertFalse(t *testing.T, condition bool, message string) {
	t.Helper()
	if condition {
		t.Errorf("assertion failed: %s", message)
	}
}
