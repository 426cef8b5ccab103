package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hasgeek/lastuser/identity"
	"github.com/hasgeek/lastuser/internal/testutil"
	"github.com/hasgeek/lastuser/security"
	"github.com/hasgeek/lastuser/storage"
	"github.com/hasgeek/lastuser/storage/memory"
)

// testHarness bundles the server with its memory store, user directory, and
// controllable clock.
type testHarness struct {
	srv   *Server
	store *memory.Store
	dir   *identity.StaticDirectory
	clock *testutil.MockTime
	user  *identity.User
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := testutil.NewMockTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	store := memory.New()
	store.SetLogger(logger)
	store.SetNowFunc(clock.Now)

	dir := identity.NewStaticDirectory()
	user := &identity.User{
		ID:       "user-1",
		Username: "alice",
		FullName: "Alice Example",
		Email:    "alice@example.com",
	}
	if err := dir.AddUser(user, "correct-horse"); err != nil {
		t.Fatalf("adding test user: %v", err)
	}

	srv, err := New(store, dir, &Config{Issuer: "https://auth.example.com"}, logger)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	srv.SetNowFunc(clock.Now)
	srv.SetAuditor(security.NewAuditor(logger, true))

	return &testHarness{srv: srv, store: store, dir: dir, clock: clock, user: user}
}

// seedClient saves a client fixture, applying any mutations first.
func (h *testHarness) seedClient(t *testing.T, key string, mutate func(*storage.Client)) *storage.Client {
	t.Helper()
	client := testutil.NewTestClient(key)
	if mutate != nil {
		mutate(client)
	}
	if err := h.store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("seeding client %q: %v", key, err)
	}
	return client
}

func (h *testHarness) seedResource(t *testing.T, name, clientID string, trusted bool) *storage.Resource {
	t.Helper()
	resource := testutil.NewTestResource(name, clientID)
	resource.Trusted = trusted
	if err := h.store.SaveResource(context.Background(), resource); err != nil {
		t.Fatalf("seeding resource %q: %v", name, err)
	}
	return resource
}

func TestNewRequiresCollaborators(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if _, err := New(nil, identity.NewStaticDirectory(), nil, logger); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := New(memory.New(), nil, nil, logger); err == nil {
		t.Error("expected error for nil directory")
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	srv, err := New(memory.New(), identity.NewStaticDirectory(), &Config{}, nil)
	testutil.AssertNoError(t, err)

	testutil.AssertEqual(t, srv.Config.AuthorizationCodeTTL, security.DefaultAuthCodeTTL)
	testutil.AssertEqual(t, srv.Config.AccessTokenValidity, int64(0))
}

func TestNewDoesNotMutateCallerConfig(t *testing.T) {
	cfg := &Config{}
	_, err := New(memory.New(), identity.NewStaticDirectory(), cfg, nil)
	testutil.AssertNoError(t, err)

	if cfg.AuthorizationCodeTTL != 0 {
		t.Errorf("caller config was mutated: %v", cfg.AuthorizationCodeTTL)
	}
}
