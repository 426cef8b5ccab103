// Package lastuser is an OAuth2 authorization server: it validates
// authorization requests against a registry of clients and resources, issues
// short-lived single-use authorization codes, and exchanges codes or
// credentials for bearer tokens across the authorization_code,
// client_credentials, and password grants.
//
// This package is the HTTP surface. Protocol logic lives in server/,
// persistence contracts in storage/ with memory and postgres backends, the
// scope codec in scope/, and the user directory contract in identity/.
// Session management, login pages, and CSRF protection belong to the
// embedding application, which provides the authenticated user through
// ContextWithUser.
package lastuser

import (
	"context"
	"encoding/json"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/hasgeek/lastuser/identity"
	"github.com/hasgeek/lastuser/instrumentation"
	"github.com/hasgeek/lastuser/scope"
	"github.com/hasgeek/lastuser/security"
	"github.com/hasgeek/lastuser/server"
)

type contextKey int

const userContextKey contextKey = iota

// ContextWithUser attaches the authenticated user to a request context.
// Session middleware calls this before the authorization endpoint runs.
func ContextWithUser(ctx context.Context, user *identity.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the authenticated user, or nil.
func UserFromContext(ctx context.Context) *identity.User {
	user, _ := ctx.Value(userContextKey).(*identity.User)
	return user
}

// Handler is a thin HTTP adapter for the authorization server.
// It handles HTTP requests and delegates to the Server for protocol logic.
type Handler struct {
	server  *server.Server
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewHandler creates a new HTTP handler
func NewHandler(srv *server.Server, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		server: srv,
		logger: logger,
	}
}

// SetInstrumentation wires HTTP-layer metrics and tracing
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	h.tracer = inst.Tracer("http")
	h.metrics = inst.Metrics()
}

// RegisterRoutes registers the OAuth endpoints on a mux
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/auth", h.ServeAuthorize)
	mux.HandleFunc("/token", h.ServeToken)
}

// consentTemplate renders the consent prompt. The embedding application may
// wrap this endpoint in its own chrome; the form posts back to the same URL
// with every original parameter plus the consent decision.
const consentTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authorize {{.ClientTitle}}</title>
</head>
<body>
<h1>{{.ClientTitle}} is requesting access</h1>
{{if .ClientDescription}}<p>{{.ClientDescription}}</p>{{end}}
<ul>
{{if .WantsID}}<li>Read your user ID and profile</li>{{end}}
{{if .WantsEmail}}<li>Read your email address</li>{{end}}
{{range .Grants}}<li>{{.Resource}}{{if .Actions}}: {{.Actions}}{{end}}</li>
{{end}}</ul>
<form method="POST">
{{range $name, $value := .Fields}}<input type="hidden" name="{{$name}}" value="{{$value}}">
{{end}}<button type="submit" name="consent" value="accept">Allow</button>
<button type="submit" name="consent" value="deny">Deny</button>
</form>
</body>
</html>
`

var consentTmpl = template.Must(template.New("consent").Parse(consentTemplate))

type consentData struct {
	ClientTitle       string
	ClientDescription string
	WantsID           bool
	WantsEmail        bool
	Grants            []consentGrant
	Fields            map[string]string
}

type consentGrant struct {
	Resource string
	Actions  string
}

// rejectionTemplate renders direct (non-redirect) authorization failures.
const rejectionTemplate = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Authorization failed</title>
</head>
<body>
<h1>Authorization failed</h1>
<p>{{.Code}}{{if .Description}}: {{.Description}}{{end}}</p>
</body>
</html>
`

var rejectionTmpl = template.Must(template.New("rejection").Parse(rejectionTemplate))

// ServeAuthorize handles GET and POST /auth. The authenticated user must be
// on the request context; without one the request is rejected directly with
// no redirect, since nothing about it has been verified yet.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "http.authorize")
	defer span.End()

	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		h.finishRequest(ctx, r, http.StatusMethodNotAllowed, start)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		status := h.renderRejection(w, server.ErrInvalidRequest("malformed request"))
		h.finishRequest(ctx, r, status, start)
		return
	}

	user := UserFromContext(ctx)
	if user == nil {
		status := h.renderRejection(w, server.NewError(ErrorCodeAccessDenied, "no authenticated user", http.StatusForbidden))
		h.finishRequest(ctx, r, status, start)
		return
	}

	req := &server.AuthorizeRequest{
		ResponseType: r.Form.Get("response_type"),
		ClientKey:    r.Form.Get("client_id"),
		RedirectURI:  r.Form.Get("redirect_uri"),
		Scope:        r.Form.Get("scope"),
		State:        r.Form.Get("state"),
		User:         user,
		IPAddress:    security.ClientIP(r, h.server.Config.TrustProxy),
	}
	if r.Method == http.MethodPost {
		switch r.PostForm.Get("consent") {
		case "accept":
			req.Decision = server.ConsentAccept
		case "deny":
			req.Decision = server.ConsentDeny
		}
	}

	result, aerr := h.server.Authorize(ctx, req)
	if aerr != nil {
		status := h.deliverAuthorizeError(w, r, aerr)
		h.finishRequest(ctx, r, status, start)
		return
	}

	if result.Prompt != nil {
		h.renderConsent(w, r, result)
		h.finishRequest(ctx, r, http.StatusOK, start)
		return
	}

	target, err := url.Parse(result.RedirectURI)
	if err != nil {
		h.logger.Error("Issued code has unparseable redirect target", "error", err)
		status := h.renderRejection(w, server.ErrServerError("invalid redirect target"))
		h.finishRequest(ctx, r, status, start)
		return
	}
	query := target.Query()
	query.Set("code", result.Code)
	if result.State != "" {
		query.Set("state", result.State)
	}
	target.RawQuery = query.Encode()

	h.finishRequest(ctx, r, http.StatusFound, start)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

// deliverAuthorizeError sends an authorization failure either as a redirect
// carrying the error parameters or, when no redirect target was resolved, as
// a direct rejection page.
func (h *Handler) deliverAuthorizeError(w http.ResponseWriter, r *http.Request, aerr *server.AuthorizeError) int {
	if aerr.RedirectURI == "" {
		return h.renderRejection(w, aerr.Err)
	}

	target, err := url.Parse(aerr.RedirectURI)
	if err != nil {
		return h.renderRejection(w, aerr.Err)
	}
	query := target.Query()
	query.Set("error", aerr.Err.Code)
	if aerr.Err.Description != "" {
		query.Set("error_description", aerr.Err.Description)
	}
	if aerr.Err.URI != "" {
		query.Set("error_uri", aerr.Err.URI)
	}
	if aerr.State != "" {
		query.Set("state", aerr.State)
	}
	target.RawQuery = query.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
	return http.StatusFound
}

func (h *Handler) renderRejection(w http.ResponseWriter, err *server.Error) int {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	status := err.Status
	if status < http.StatusBadRequest {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	if terr := rejectionTmpl.Execute(w, err); terr != nil {
		h.logger.Error("Rendering rejection page failed", "error", terr)
	}
	return status
}

func (h *Handler) renderConsent(w http.ResponseWriter, r *http.Request, result *server.AuthorizeResult) {
	prompt := result.Prompt

	data := consentData{
		ClientTitle:       prompt.Client.Title,
		ClientDescription: prompt.Client.Description,
		WantsID:           prompt.Scope.Contains(scope.TokenID),
		WantsEmail:        prompt.Scope.Contains(scope.TokenEmail),
		Fields: map[string]string{
			"response_type": r.Form.Get("response_type"),
			"client_id":     r.Form.Get("client_id"),
			"redirect_uri":  r.Form.Get("redirect_uri"),
			"scope":         r.Form.Get("scope"),
			"state":         r.Form.Get("state"),
		},
	}
	for _, grant := range prompt.Grants {
		names := make([]string, 0, len(grant.Actions))
		for _, action := range grant.Actions {
			names = append(names, action.Title)
		}
		data.Grants = append(data.Grants, consentGrant{
			Resource: grant.Resource.Title,
			Actions:  strings.Join(names, ", "),
		})
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := consentTmpl.Execute(w, data); err != nil {
		h.logger.Error("Rendering consent page failed", "error", err)
	}
}

// ServeToken handles POST /token. Client credentials arrive as form fields
// or an HTTP Basic credential; successful responses are JSON and marked
// uncacheable.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, span := h.startSpan(r.Context(), "http.token")
	defer span.End()

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		h.finishRequest(ctx, r, http.StatusMethodNotAllowed, start)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeTokenError(w, server.ErrInvalidRequest("malformed request"))
		h.finishRequest(ctx, r, http.StatusBadRequest, start)
		return
	}

	req := &server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientKey:    r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
		Scope:        r.PostForm.Get("scope"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		IPAddress:    security.ClientIP(r, h.server.Config.TrustProxy),
	}
	if username, password, ok := r.BasicAuth(); ok {
		req.BasicUsername = username
		if req.ClientSecret == "" {
			req.ClientSecret = password
		}
	}

	result, terr := h.server.Token(ctx, req)
	if terr != nil {
		h.writeTokenError(w, terr)
		h.finishRequest(ctx, r, terr.Status, start)
		return
	}

	response := h.buildTokenResponse(result)
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Encoding token response failed", "error", err)
	}
	h.finishRequest(ctx, r, http.StatusOK, start)
}

// buildTokenResponse shapes the wire response. Email is withheld unless the
// effective scope includes the reserved email token; expires_in and
// refresh_token appear only on expiring tokens.
func (h *Handler) buildTokenResponse(result *server.TokenResult) *TokenResponse {
	token := result.Token
	response := &TokenResponse{
		AccessToken: token.Token,
		TokenType:   token.TokenType,
		Scope:       token.Scope,
	}
	if token.Validity > 0 {
		response.ExpiresIn = token.Validity
		response.RefreshToken = token.RefreshToken
	}

	if result.User != nil {
		info := &UserInfo{
			UserID:      result.User.ID,
			Username:    result.User.Username,
			FullName:    result.User.FullName,
			Permissions: result.Permissions,
		}
		if scope.Parse(token.Scope).Contains(scope.TokenEmail) {
			info.Email = result.User.Email
		}
		response.UserInfo = info
	}

	for _, msg := range result.Messages {
		response.Messages = append(response.Messages, Message{
			Category: msg.Category,
			Message:  msg.Message,
		})
	}
	return response
}

func (h *Handler) writeTokenError(w http.ResponseWriter, terr *server.Error) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(terr.Status)
	if err := json.NewEncoder(w).Encode(&ErrorResponse{
		Error:            terr.Code,
		ErrorDescription: terr.Description,
		ErrorURI:         terr.URI,
	}); err != nil {
		h.logger.Error("Encoding token error failed", "error", err)
	}
}

func (h *Handler) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if h.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return h.tracer.Start(ctx, name)
}

func (h *Handler) finishRequest(ctx context.Context, r *http.Request, status int, start time.Time) {
	h.metrics.RecordHTTPRequest(ctx, r.Method, r.URL.Path, status, float64(time.Since(start).Milliseconds()))
}
