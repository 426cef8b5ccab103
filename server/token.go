package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hasgeek/lastuser/identity"
	"github.com/hasgeek/lastuser/instrumentation"
	"github.com/hasgeek/lastuser/scope"
	"github.com/hasgeek/lastuser/storage"
)

// Grant types accepted by the token endpoint.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
)

// TokenRequest carries one token endpoint request. BasicUsername is the
// username from an HTTP Basic credential when one was presented; the secret
// from Basic auth arrives in ClientSecret like a form-field secret would.
type TokenRequest struct {
	GrantType     string
	ClientKey     string
	ClientSecret  string
	BasicUsername string
	Scope         string

	// authorization_code grant
	Code        string
	RedirectURI string

	// password grant
	Username string
	Password string

	IPAddress string
}

// TokenResult is a successful token grant. User is nil for the
// client_credentials grant. Messages holds drained flash messages when the
// client is trusted and a user is involved.
type TokenResult struct {
	Token       *storage.AuthToken
	User        *identity.User
	Permissions []string
	Messages    []*storage.FlashMessage
}

// Token dispatches a token endpoint request to its grant handler after the
// shared client-authentication preconditions. Every failure is terminal; a
// token is never created alongside an error.
func (s *Server) Token(ctx context.Context, req *TokenRequest) (*TokenResult, *Error) {
	ctx, span := s.startSpan(ctx, "server.token")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, req.GrantType),
		attribute.String(instrumentation.AttrClientKey, req.ClientKey),
	)

	if req.GrantType == "" {
		return nil, s.tokenFailure(span, req, ErrInvalidRequest("grant_type is missing"))
	}
	if req.GrantType != GrantAuthorizationCode &&
		req.GrantType != GrantClientCredentials &&
		req.GrantType != GrantPassword {
		return nil, s.tokenFailure(span, req, ErrUnsupportedGrantType("grant_type not supported"))
	}
	if req.ClientKey == "" {
		return nil, s.tokenFailure(span, req, ErrInvalidRequest("client_id is missing"))
	}
	if req.BasicUsername != "" && req.BasicUsername != req.ClientKey {
		return nil, s.tokenFailure(span, req, ErrInvalidRequest("client_id does not match HTTP Basic username"))
	}
	if req.ClientSecret == "" {
		return nil, s.tokenFailure(span, req, ErrInvalidRequest("client_secret is missing"))
	}

	// ValidateClientSecret takes constant time whether or not the client
	// exists, so unknown clients and wrong secrets are indistinguishable.
	if err := s.clients.ValidateClientSecret(ctx, req.ClientKey, req.ClientSecret); err != nil {
		if errors.Is(err, storage.ErrClientNotFound) || errors.Is(err, storage.ErrInvalidClientSecret) {
			return nil, s.tokenFailure(span, req, ErrInvalidClient("invalid client credentials"))
		}
		s.Logger.Error("Client secret validation failed", "client_key", req.ClientKey, "error", err)
		return nil, s.tokenFailure(span, req, ErrServerError("client validation failed"))
	}

	client, err := s.clients.GetClientByKey(ctx, req.ClientKey)
	if err != nil {
		s.Logger.Error("Client lookup failed", "client_key", req.ClientKey, "error", err)
		return nil, s.tokenFailure(span, req, ErrServerError("client lookup failed"))
	}
	if !client.Active {
		return nil, s.tokenFailure(span, req, ErrInvalidClient("client is inactive"))
	}

	var result *TokenResult
	var terr *Error
	switch req.GrantType {
	case GrantClientCredentials:
		result, terr = s.grantClientCredentials(ctx, req, client)
	case GrantAuthorizationCode:
		result, terr = s.grantAuthorizationCode(ctx, req, client)
	case GrantPassword:
		result, terr = s.grantPassword(ctx, req, client)
	}
	if terr != nil {
		return nil, s.tokenFailure(span, req, terr)
	}

	instrumentation.SetSpanSuccess(span)
	return result, nil
}

// grantClientCredentials issues a token for the client itself, with no user.
func (s *Server) grantClientCredentials(ctx context.Context, req *TokenRequest, client *storage.Client) (*TokenResult, *Error) {
	requested := scope.Parse(req.Scope)
	if requested.IsEmpty() {
		return nil, ErrInvalidRequest("scope is missing")
	}

	token, terr := s.issueToken(ctx, req, client, "", requested)
	if terr != nil {
		return nil, terr
	}
	return &TokenResult{Token: token}, nil
}

// grantAuthorizationCode redeems a single-use code. The code must belong to
// this client and be within its redemption window; a consumed or unknown
// code and an expired code both surface invalid_grant, with descriptions
// telling them apart. The token carries the code's own scope.
//
// The exchange request is validated against the stored code before the code
// is consumed, so a request rejected for scope or redirect_uri leaves the
// code redeemable and the client can retry with corrected parameters.
func (s *Server) grantAuthorizationCode(ctx context.Context, req *TokenRequest, client *storage.Client) (*TokenResult, *Error) {
	if req.Code == "" {
		return nil, ErrInvalidRequest("code is missing")
	}

	code, err := s.flows.GetAuthCode(ctx, req.Code, client.ID, s.Config.AuthorizationCodeTTL)
	if err != nil {
		return nil, codeRedemptionError(s.Logger, client, err)
	}

	codeScope := scope.Parse(code.Scope)
	requested := scope.Parse(req.Scope)
	if requested.IsEmpty() {
		return nil, ErrInvalidScope("scope is blank")
	}
	if !requested.IsSubset(codeScope) {
		return nil, ErrInvalidScope("scope expanded")
	}
	if req.RedirectURI != code.RedirectURI {
		return nil, ErrInvalidClient("redirect_uri does not match")
	}

	// All checks passed; consume the code. A concurrent exchange may have
	// won the race since the lookup, in which case this reports the code as
	// unknown and no token is issued.
	code, err = s.flows.ConsumeAuthCode(ctx, req.Code, client.ID, s.Config.AuthorizationCodeTTL)
	if err != nil {
		return nil, codeRedemptionError(s.Logger, client, err)
	}
	if s.metrics != nil {
		s.metrics.CodesRedeemed.Add(ctx, 1)
	}
	s.Auditor.LogCodeRedeemed(code.UserID, client.Key, req.IPAddress)

	token, terr := s.issueToken(ctx, req, client, code.UserID, codeScope)
	if terr != nil {
		return nil, terr
	}

	user, err := s.directory.LookupUserByID(ctx, code.UserID)
	if err != nil || user == nil {
		s.Logger.Warn("User lookup failed after code redemption",
			"user_id", code.UserID, "error", err)
	}

	return s.userTokenResult(ctx, client, user, token, req.IPAddress), nil
}

// codeRedemptionError maps code lookup/consumption sentinels to the grant's
// error vocabulary.
func codeRedemptionError(logger *slog.Logger, client *storage.Client, err error) *Error {
	switch {
	case errors.Is(err, storage.ErrAuthCodeNotFound):
		return ErrInvalidGrant("unknown authorization code")
	case errors.Is(err, storage.ErrAuthCodeExpired):
		return ErrInvalidGrant("expired authorization code")
	default:
		logger.Error("Code redemption failed", "client_key", client.Key, "error", err)
		return ErrServerError("code redemption failed")
	}
}

// grantPassword exchanges a user's own credentials for a token. Only trusted
// clients may do this. Unknown usernames and wrong passwords produce the
// same error so callers cannot enumerate accounts.
func (s *Server) grantPassword(ctx context.Context, req *TokenRequest, client *storage.Client) (*TokenResult, *Error) {
	if !client.Trusted {
		return nil, ErrUnauthorizedClient("client is not trusted")
	}
	if req.Username == "" {
		return nil, ErrInvalidRequest("username is missing")
	}
	if req.Password == "" {
		return nil, ErrInvalidRequest("password is missing")
	}
	requested := scope.Parse(req.Scope)
	if requested.IsEmpty() {
		return nil, ErrInvalidRequest("scope is missing")
	}

	user, err := s.directory.LookupUser(ctx, req.Username)
	if err != nil {
		s.Logger.Error("User lookup failed", "error", err)
		return nil, ErrServerError("user lookup failed")
	}
	// Password verification runs even for unknown users so response time
	// does not reveal account existence.
	ok, err := s.directory.VerifyPassword(ctx, user, req.Password)
	if err != nil {
		s.Logger.Error("Password verification failed", "error", err)
		return nil, ErrServerError("password verification failed")
	}
	if user == nil || !ok {
		return nil, ErrInvalidClient("invalid username or password")
	}

	token, terr := s.issueToken(ctx, req, client, user.ID, requested)
	if terr != nil {
		return nil, terr
	}
	return s.userTokenResult(ctx, client, user, token, req.IPAddress), nil
}

// issueToken creates or extends the one token permitted per (user, client).
// An existing row keeps its identity and token value and has the granted
// scope merged in by set union; scope never shrinks through this path.
func (s *Server) issueToken(ctx context.Context, req *TokenRequest, client *storage.Client, userID string, granted scope.Set) (*storage.AuthToken, *Error) {
	now := s.now()
	candidate := &storage.AuthToken{
		ID:           newID(),
		UserID:       userID,
		ClientID:     client.ID,
		Token:        newOpaqueSecret(),
		TokenType:    "bearer",
		Scope:        granted.Format(),
		Validity:     s.Config.AccessTokenValidity,
		RefreshToken: newOpaqueSecret(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	token, err := s.tokens.UpsertToken(ctx, candidate)
	if err != nil {
		s.Logger.Error("Token upsert failed", "client_key", client.Key, "error", err)
		return nil, ErrServerError("could not issue token")
	}

	extended := token.ID != candidate.ID
	s.metrics.RecordTokenIssued(ctx, req.GrantType, extended)
	s.Auditor.LogTokenIssued(userID, client.Key, req.IPAddress, req.GrantType, token.Scope)
	s.Logger.Info("Token issued",
		"client_key", client.Key,
		"grant_type", req.GrantType,
		"scope", token.Scope,
		"extended", extended)
	return token, nil
}

// userTokenResult assembles the grant result for user-bound grants: the
// user's permission tokens for this client, and, for trusted clients, the
// user's queued flash messages. Draining is exactly-once best-effort; a
// response lost after the drain loses the messages.
func (s *Server) userTokenResult(ctx context.Context, client *storage.Client, user *identity.User, token *storage.AuthToken, ipAddress string) *TokenResult {
	result := &TokenResult{Token: token, User: user}
	if user == nil {
		return result
	}

	if grant, err := s.grants.GetPermissions(ctx, user.ID, client.ID); err == nil {
		result.Permissions = strings.Fields(grant.Permissions)
	} else if !errors.Is(err, storage.ErrPermissionsNotFound) {
		s.Logger.Warn("Permission lookup failed", "user_id", user.ID, "error", err)
	}

	if client.Trusted {
		messages, err := s.flashes.DrainFlashMessages(ctx, user.ID)
		if err != nil {
			s.Logger.Warn("Flash message drain failed", "user_id", user.ID, "error", err)
		} else if len(messages) > 0 {
			result.Messages = messages
			if s.metrics != nil {
				s.metrics.FlashDelivered.Add(ctx, int64(len(messages)))
			}
			s.Auditor.LogFlashRelayed(user.ID, client.Key, len(messages))
		}
	}
	return result
}

// tokenFailure records the failure on the span and audit log.
func (s *Server) tokenFailure(span trace.Span, req *TokenRequest, err *Error) *Error {
	s.Auditor.LogAuthFailure("", req.ClientKey, req.IPAddress, err.Code)
	instrumentation.SetSpanError(span, err.Code)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrError, err.Code),
		attribute.String(instrumentation.AttrErrorDescription, err.Description),
	)
	return err
}
