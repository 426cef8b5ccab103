package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/hasgeek/lastuser/storage"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestGetClientByKey(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	columns := []string{
		"id", "user_id", "title", "description", "owner", "website", "redirect_uri",
		"notification_uri", "resource_uri", "active", "allow_any_login", "key",
		"secret_hash", "trusted", "created_at",
	}
	mock.ExpectQuery("from clients where key").
		WithArgs("app1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"client-1", "owner-1", "Test App", "", "", "https://app1.example.com",
			"https://app1.example.com/callback", "", "", true, true, "app1",
			"$2a$10$hash", true, created,
		))

	client, err := store.GetClientByKey(context.Background(), "app1")
	if err != nil {
		t.Fatalf("GetClientByKey: %v", err)
	}
	if client.ID != "client-1" || !client.Trusted || client.Key != "app1" {
		t.Errorf("unexpected client: %+v", client)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetClientByKeyNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from clients where key").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetClientByKey(context.Background(), "ghost")
	if !errors.Is(err, storage.ErrClientNotFound) {
		t.Errorf("error = %v, want ErrClientNotFound", err)
	}
}

func TestConsumeAuthCodeDeletesRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	columns := []string{"id", "user_id", "client_id", "code", "scope", "redirect_uri", "used", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("from auth_codes").
		WithArgs("the-code", "client-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"code-id", "user-1", "client-1", "the-code", "id email",
			"https://app.example.com/callback", false, now.Add(-30*time.Second),
		))
	mock.ExpectExec("delete from auth_codes where id").
		WithArgs("code-id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	code, err := store.ConsumeAuthCode(context.Background(), "the-code", "client-1", time.Minute)
	if err != nil {
		t.Fatalf("ConsumeAuthCode: %v", err)
	}
	if code.Scope != "id email" || !code.Used {
		t.Errorf("unexpected code: %+v", code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetAuthCodeLeavesRowInPlace(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	columns := []string{"id", "user_id", "client_id", "code", "scope", "redirect_uri", "used", "created_at"}

	// A plain select, no transaction and no delete.
	mock.ExpectQuery("from auth_codes").
		WithArgs("the-code", "client-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"code-id", "user-1", "client-1", "the-code", "id email",
			"https://app.example.com/callback", false, now.Add(-30*time.Second),
		))

	code, err := store.GetAuthCode(context.Background(), "the-code", "client-1", time.Minute)
	if err != nil {
		t.Fatalf("GetAuthCode: %v", err)
	}
	if code.Scope != "id email" || code.RedirectURI != "https://app.example.com/callback" {
		t.Errorf("unexpected code: %+v", code)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGetAuthCodeDeletesExpiredRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	columns := []string{"id", "user_id", "client_id", "code", "scope", "redirect_uri", "used", "created_at"}

	mock.ExpectQuery("from auth_codes").
		WithArgs("stale-code", "client-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"code-id", "user-1", "client-1", "stale-code", "id",
			"https://app.example.com/callback", false, now.Add(-61*time.Second),
		))
	mock.ExpectExec("delete from auth_codes where id").
		WithArgs("code-id").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := store.GetAuthCode(context.Background(), "stale-code", "client-1", time.Minute)
	if !errors.Is(err, storage.ErrAuthCodeExpired) {
		t.Errorf("error = %v, want ErrAuthCodeExpired", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestConsumeAuthCodeExpired(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	columns := []string{"id", "user_id", "client_id", "code", "scope", "redirect_uri", "used", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("from auth_codes").
		WithArgs("stale-code", "client-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"code-id", "user-1", "client-1", "stale-code", "id",
			"https://app.example.com/callback", false, now.Add(-61*time.Second),
		))
	mock.ExpectExec("delete from auth_codes where id").
		WithArgs("code-id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := store.ConsumeAuthCode(context.Background(), "stale-code", "client-1", time.Minute)
	if !errors.Is(err, storage.ErrAuthCodeExpired) {
		t.Errorf("error = %v, want ErrAuthCodeExpired", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestConsumeAuthCodeNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("from auth_codes").
		WithArgs("missing", "client-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.ConsumeAuthCode(context.Background(), "missing", "client-1", time.Minute)
	if !errors.Is(err, storage.ErrAuthCodeNotFound) {
		t.Errorf("error = %v, want ErrAuthCodeNotFound", err)
	}
}

func TestUpsertTokenExtendsExistingRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	columns := []string{
		"id", "user_id", "client_id", "token", "token_type", "secret", "algorithm",
		"scope", "validity", "refresh_token", "created_at", "updated_at",
	}

	mock.ExpectBegin()
	mock.ExpectQuery("from auth_tokens").
		WithArgs("user-1", "client-1").
		WillReturnRows(sqlmock.NewRows(columns).AddRow(
			"token-1", "user-1", "client-1", "tok-value", "bearer", "", "",
			"id", int64(0), "ref-value", now.Add(-time.Hour), now.Add(-time.Hour),
		))
	mock.ExpectExec("update auth_tokens set scope").
		WithArgs("email id", now, "token-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	token, err := store.UpsertToken(context.Background(), &storage.AuthToken{
		ID: "token-2", UserID: "user-1", ClientID: "client-1",
		Token: "new-value", TokenType: "bearer", Scope: "email",
	})
	if err != nil {
		t.Fatalf("UpsertToken: %v", err)
	}
	if token.ID != "token-1" || token.Token != "tok-value" {
		t.Errorf("existing row not reused: %+v", token)
	}
	if token.Scope != "email id" {
		t.Errorf("scope = %q, want %q", token.Scope, "email id")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertTokenCreatesRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	mock.ExpectBegin()
	mock.ExpectQuery("from auth_tokens").
		WithArgs("user-1", "client-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("insert into auth_tokens").
		WithArgs("token-1", "user-1", "client-1", "tok-value", "bearer", "",
			"", "email id", int64(0), "ref-value", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	token, err := store.UpsertToken(context.Background(), &storage.AuthToken{
		ID: "token-1", UserID: "user-1", ClientID: "client-1",
		Token: "tok-value", TokenType: "bearer", Scope: "id email", RefreshToken: "ref-value",
	})
	if err != nil {
		t.Fatalf("UpsertToken: %v", err)
	}
	if token.Scope != "email id" {
		t.Errorf("scope = %q, want sorted formatting", token.Scope)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDrainFlashMessagesOrdersBySeq(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	columns := []string{"id", "user_id", "seq", "category", "message", "created_at"}
	mock.ExpectQuery("delete from flash_messages where user_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("m2", "user-1", 1, "info", "second", now).
			AddRow("m1", "user-1", 0, "info", "first", now))

	drained, err := store.DrainFlashMessages(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("DrainFlashMessages: %v", err)
	}
	if len(drained) != 2 || drained[0].Message != "first" || drained[1].Message != "second" {
		t.Errorf("unexpected drain result: %+v", drained)
	}
}

func TestGetPermissionsNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from user_client_permissions").
		WithArgs("user-1", "client-1").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetPermissions(context.Background(), "user-1", "client-1")
	if !errors.Is(err, storage.ErrPermissionsNotFound) {
		t.Errorf("error = %v, want ErrPermissionsNotFound", err)
	}
}
