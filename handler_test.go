package lastuser

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/hasgeek/lastuser/identity"
	"github.com/hasgeek/lastuser/internal/testutil"
	"github.com/hasgeek/lastuser/server"
	"github.com/hasgeek/lastuser/storage"
	"github.com/hasgeek/lastuser/storage/memory"
)

type handlerHarness struct {
	handler *Handler
	store   *memory.Store
	clock   *testutil.MockTime
	user    *identity.User
}

func newHandlerHarness(t *testing.T) *handlerHarness {
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

	srv, err := server.New(store, dir, &server.Config{Issuer: "https://auth.example.com"}, logger)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	srv.SetNowFunc(clock.Now)

	return &handlerHarness{
		handler: NewHandler(srv, logger),
		store:   store,
		clock:   clock,
		user:    user,
	}
}

func (h *handlerHarness) seedClient(t *testing.T, key string, mutate func(*storage.Client)) *storage.Client {
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

// authorizeRequest performs a GET /auth with the given query parameters,
// with the test user on the context unless withUser is false.
func (h *handlerHarness) authorizeRequest(t *testing.T, params url.Values, withUser bool) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/auth?"+params.Encode(), nil)
	if withUser {
		r = r.WithContext(ContextWithUser(r.Context(), h.user))
	}
	w := httptest.NewRecorder()
	h.handler.ServeAuthorize(w, r)
	return w
}

func (h *handlerHarness) tokenRequest(t *testing.T, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.handler.ServeToken(w, r)
	return w
}

func redirectQuery(t *testing.T, w *httptest.ResponseRecorder) url.Values {
	t.Helper()
	if w.Code != http.StatusFound {
		t.Fatalf("expected redirect, got status %d: %s", w.Code, w.Body.String())
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parsing Location header: %v", err)
	}
	return location.Query()
}

func TestAuthorizeEndpointIssuesCode(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedClient(t, "app", func(c *storage.Client) { c.Trusted = true })

	w := h.authorizeRequest(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"app"},
		"scope":         {"id"},
		"state":         {"s123"},
	}, true)

	query := redirectQuery(t, w)
	if query.Get("code") == "" {
		t.Error("expected code parameter on redirect")
	}
	testutil.AssertEqual(t, query.Get("state"), "s123")

	location := w.Header().Get("Location")
	if !strings.HasPrefix(location, "https://app.example.com/callback?") {
		t.Errorf("redirect went to %q", location)
	}
}

func TestAuthorizeEndpointOmitsAbsentState(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedClient(t, "app", func(c *storage.Client) { c.Trusted = true })

	w := h.authorizeRequest(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"app"},
		"scope":         {"id"},
	}, true)

	query := redirectQuery(t, w)
	if _, present := query["state"]; present {
		t.Error("state must be omitted when not supplied")
	}
}

func TestAuthorizeEndpointErrorRedirect(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedClient(t, "app", nil)

	w := h.authorizeRequest(t, url.Values{
		"response_type": {"token"},
		"client_id":     {"app"},
		"scope":         {"id"},
		"state":         {"s1"},
	}, true)

	query := redirectQuery(t, w)
	testutil.AssertEqual(t, query.Get("error"), ErrorCodeUnsupportedResponseType)
	if query.Get("error_description") == "" {
		t.Error("expected error_description")
	}
	testutil.AssertEqual(t, query.Get("state"), "s1")
}

func TestAuthorizeEndpointDirectRejection(t *testing.T) {
	h := newHandlerHarness(t)

	// Unknown client with no redirect_uri: nothing to redirect to.
	w := h.authorizeRequest(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"ghost"},
		"scope":         {"id"},
	}, true)

	testutil.AssertEqual(t, w.Code, http.StatusForbidden)
	if !strings.Contains(w.Body.String(), ErrorCodeUnauthorizedClient) {
		t.Errorf("rejection page missing error code: %s", w.Body.String())
	}
}

func TestAuthorizeEndpointRequiresUser(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedClient(t, "app", func(c *storage.Client) { c.Trusted = true })

	w := h.authorizeRequest(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"app"},
		"scope":         {"id"},
	}, false)

	testutil.AssertEqual(t, w.Code, http.StatusForbidden)
}

func TestAuthorizeEndpointConsentFlow(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedClient(t, "app", nil)

	params := url.Values{
		"response_type": {"code"},
		"client_id":     {"app"},
		"scope":         {"id email"},
		"state":         {"s9"},
	}

	// First request renders the consent form.
	w := h.authorizeRequest(t, params, true)
	testutil.AssertEqual(t, w.Code, http.StatusOK)
	body := w.Body.String()
	if !strings.Contains(body, `name="consent"`) {
		t.Fatalf("expected consent form, got: %s", body)
	}
	if !strings.Contains(body, "Test App app") {
		t.Error("consent page should name the client")
	}

	// Accepting issues a code.
	form := url.Values{}
	for key, values := range params {
		form.Set(key, values[0])
	}
	form.Set("consent", "accept")
	r := httptest.NewRequest(http.MethodPost, "/auth", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r = r.WithContext(ContextWithUser(r.Context(), h.user))
	rec := httptest.NewRecorder()
	h.handler.ServeAuthorize(rec, r)

	query := redirectQuery(t, rec)
	if query.Get("code") == "" {
		t.Error("expected code after consent")
	}

	// Denying redirects with access_denied.
	form.Set("consent", "deny")
	r = httptest.NewRequest(http.MethodPost, "/auth", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r = r.WithContext(ContextWithUser(r.Context(), h.user))
	rec = httptest.NewRecorder()
	h.handler.ServeAuthorize(rec, r)

	query = redirectQuery(t, rec)
	testutil.AssertEqual(t, query.Get("error"), ErrorCodeAccessDenied)
	testutil.AssertEqual(t, query.Get("state"), "s9")
}

func TestTokenEndpointMethodNotAllowed(t *testing.T) {
	h := newHandlerHarness(t)

	r := httptest.NewRequest(http.MethodGet, "/token", nil)
	w := httptest.NewRecorder()
	h.handler.ServeToken(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusMethodNotAllowed)
}

func TestTokenEndpointClientCredentials(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedClient(t, "app", nil)

	w := h.tokenRequest(t, url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"app"},
		"client_secret": {testutil.TestClientSecret},
		"scope":         {"id"},
	})

	testutil.AssertEqual(t, w.Code, http.StatusOK)
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
		t.Errorf("token response must not be cacheable, got %q", cc)
	}
	testutil.AssertEqual(t, w.Header().Get("Pragma"), "no-cache")

	var response TokenResponse
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	if response.AccessToken == "" {
		t.Error("expected access token")
	}
	testutil.AssertEqual(t, response.TokenType, "bearer")
	testutil.AssertEqual(t, response.Scope, "id")
	testutil.AssertEqual(t, response.ExpiresIn, int64(0))
	testutil.AssertEqual(t, response.RefreshToken, "")
	if response.UserInfo != nil {
		t.Error("client credentials grant must not include userinfo")
	}
}

func TestTokenEndpointBasicAuth(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedClient(t, "app", nil)

	form := url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {"app"},
		"scope":      {"id"},
	}
	r := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth("app", testutil.TestClientSecret)
	w := httptest.NewRecorder()
	h.handler.ServeToken(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusOK)

	// A Basic username that does not match client_id is rejected.
	r = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth("someone-else", testutil.TestClientSecret)
	w = httptest.NewRecorder()
	h.handler.ServeToken(w, r)

	testutil.AssertEqual(t, w.Code, http.StatusBadRequest)
}

func TestTokenEndpointErrorStatuses(t *testing.T) {
	tests := []struct {
		name       string
		form       url.Values
		wantStatus int
		wantError  string
	}{
		{
			name: "missing grant type",
			form: url.Values{
				"client_id":     {"app"},
				"client_secret": {testutil.TestClientSecret},
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name: "bad client secret",
			form: url.Values{
				"grant_type":    {"client_credentials"},
				"client_id":     {"app"},
				"client_secret": {"nope"},
				"scope":         {"id"},
			},
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
		{
			name: "password grant from untrusted client",
			form: url.Values{
				"grant_type":    {"password"},
				"client_id":     {"app"},
				"client_secret": {testutil.TestClientSecret},
				"username":      {"alice"},
				"password":      {"correct-horse"},
				"scope":         {"id"},
			},
			wantStatus: http.StatusForbidden,
			wantError:  ErrorCodeUnauthorizedClient,
		},
		{
			name: "unknown code",
			form: url.Values{
				"grant_type":    {"authorization_code"},
				"client_id":     {"app"},
				"client_secret": {testutil.TestClientSecret},
				"code":          {"bogus"},
				"redirect_uri":  {"https://app.example.com/callback"},
				"scope":         {"id"},
			},
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandlerHarness(t)
			h.seedClient(t, "app", nil)

			w := h.tokenRequest(t, tt.form)
			testutil.AssertEqual(t, w.Code, tt.wantStatus)

			var response ErrorResponse
			testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			testutil.AssertEqual(t, response.Error, tt.wantError)
			if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-store") {
				t.Errorf("error response must not be cacheable, got %q", cc)
			}
		})
	}
}

func TestTokenEndpointUserinfoEmailGating(t *testing.T) {
	tests := []struct {
		name      string
		scope     string
		wantEmail string
	}{
		{"email scope present", "id email", "alice@example.com"},
		{"email scope absent", "id", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandlerHarness(t)
			h.seedClient(t, "trusted", func(c *storage.Client) { c.Trusted = true })

			w := h.tokenRequest(t, url.Values{
				"grant_type":    {"password"},
				"client_id":     {"trusted"},
				"client_secret": {testutil.TestClientSecret},
				"username":      {"alice"},
				"password":      {"correct-horse"},
				"scope":         {tt.scope},
			})
			testutil.AssertEqual(t, w.Code, http.StatusOK)

			var response TokenResponse
			testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			if response.UserInfo == nil {
				t.Fatal("expected userinfo")
			}
			testutil.AssertEqual(t, response.UserInfo.UserID, "user-1")
			testutil.AssertEqual(t, response.UserInfo.Username, "alice")
			testutil.AssertEqual(t, response.UserInfo.FullName, "Alice Example")
			testutil.AssertEqual(t, response.UserInfo.Email, tt.wantEmail)
		})
	}
}

func TestTokenEndpointRelaysMessages(t *testing.T) {
	ctx := context.Background()
	h := newHandlerHarness(t)
	h.seedClient(t, "trusted", func(c *storage.Client) { c.Trusted = true })

	testutil.AssertNoError(t, h.store.SaveFlashMessage(ctx, &storage.FlashMessage{
		ID: "f1", UserID: "user-1", Seq: 1, Category: "success", Message: "profile updated",
	}))

	form := url.Values{
		"grant_type":    {"password"},
		"client_id":     {"trusted"},
		"client_secret": {testutil.TestClientSecret},
		"username":      {"alice"},
		"password":      {"correct-horse"},
		"scope":         {"id"},
	}

	w := h.tokenRequest(t, form)
	testutil.AssertEqual(t, w.Code, http.StatusOK)

	var response TokenResponse
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	testutil.AssertEqual(t, len(response.Messages), 1)
	testutil.AssertEqual(t, response.Messages[0].Category, "success")
	testutil.AssertEqual(t, response.Messages[0].Message, "profile updated")

	// Drained on delivery: not repeated.
	w = h.tokenRequest(t, form)
	var second TokenResponse
	testutil.AssertNoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	testutil.AssertEqual(t, len(second.Messages), 0)
}

func TestTokenEndpointFullAuthorizationCodeFlow(t *testing.T) {
	h := newHandlerHarness(t)
	h.seedClient(t, "app", func(c *storage.Client) { c.Trusted = true })

	// Obtain a code through the authorization endpoint.
	w := h.authorizeRequest(t, url.Values{
		"response_type": {"code"},
		"client_id":     {"app"},
		"scope":         {"id"},
		"state":         {"s5"},
	}, true)
	code := redirectQuery(t, w).Get("code")
	if code == "" {
		t.Fatal("expected a code")
	}

	// Exchange it within the redemption window.
	h.clock.Advance(30 * time.Second)
	tokenRec := h.tokenRequest(t, url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"app"},
		"client_secret": {testutil.TestClientSecret},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"scope":         {"id"},
	})
	testutil.AssertEqual(t, tokenRec.Code, http.StatusOK)

	var response TokenResponse
	testutil.AssertNoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &response))
	testutil.AssertEqual(t, response.Scope, "id")
	if response.UserInfo == nil || response.UserInfo.Username != "alice" {
		t.Errorf("unexpected userinfo: %+v", response.UserInfo)
	}
}
