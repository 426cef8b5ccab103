package identity

import (
	"context"
	"testing"
)

func TestStaticDirectoryLookupAndVerify(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory()

	alice := &User{ID: "u1", Username: "alice", FullName: "Alice Example", Email: "alice@example.com"}
	if err := dir.AddUser(alice, "correct horse"); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}

	got, err := dir.LookupUser(ctx, "alice")
	if err != nil {
		t.Fatalf("LookupUser failed: %v", err)
	}
	if got == nil || got.ID != "u1" || got.Email != "alice@example.com" {
		t.Fatalf("LookupUser returned %+v", got)
	}

	unknown, err := dir.LookupUser(ctx, "nobody")
	if err != nil {
		t.Fatalf("LookupUser failed: %v", err)
	}
	if unknown != nil {
		t.Errorf("unknown username resolved to %+v", unknown)
	}

	ok, err := dir.VerifyPassword(ctx, got, "correct horse")
	if err != nil || !ok {
		t.Errorf("VerifyPassword(correct) = %v, %v", ok, err)
	}
	ok, err = dir.VerifyPassword(ctx, got, "wrong")
	if err != nil || ok {
		t.Errorf("VerifyPassword(wrong) = %v, %v", ok, err)
	}
	ok, err = dir.VerifyPassword(ctx, nil, "anything")
	if err != nil || ok {
		t.Errorf("VerifyPassword(nil user) = %v, %v", ok, err)
	}
}

func TestStaticDirectoryLookupByID(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory()
	if err := dir.AddUser(&User{ID: "u1", Username: "alice"}, "pw"); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}

	got, err := dir.LookupUserByID(ctx, "u1")
	if err != nil {
		t.Fatalf("LookupUserByID failed: %v", err)
	}
	if got == nil || got.Username != "alice" {
		t.Fatalf("LookupUserByID returned %+v", got)
	}

	unknown, err := dir.LookupUserByID(ctx, "u9")
	if err != nil {
		t.Fatalf("LookupUserByID failed: %v", err)
	}
	if unknown != nil {
		t.Errorf("unknown ID resolved to %+v", unknown)
	}
}

func TestStaticDirectoryRejectsBlankUsername(t *testing.T) {
	dir := NewStaticDirectory()
	if err := dir.AddUser(&User{ID: "u2"}, "pw"); err == nil {
		t.Error("AddUser accepted a user without a username")
	}
}

func TestStaticDirectoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory()
	if err := dir.AddUser(&User{ID: "u3", Username: "bob"}, "pw"); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}

	first, _ := dir.LookupUser(ctx, "bob")
	first.FullName = "mutated"
	second, _ := dir.LookupUser(ctx, "bob")
	if second.FullName == "mutated" {
		t.Error("LookupUser returned a shared pointer")
	}
}
