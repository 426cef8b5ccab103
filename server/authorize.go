package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/hasgeek/lastuser/identity"
	"github.com/hasgeek/lastuser/instrumentation"
	"github.com/hasgeek/lastuser/internal/util"
	"github.com/hasgeek/lastuser/scope"
	"github.com/hasgeek/lastuser/storage"
)

// ConsentDecision is the user's answer to a consent prompt, carried on the
// authorization request. ConsentNone means no answer yet; anything else came
// from an explicit form submission.
type ConsentDecision int

const (
	ConsentNone ConsentDecision = iota
	ConsentAccept
	ConsentDeny
)

// AuthorizeRequest carries one authorization endpoint request. User is the
// authenticated account from the surrounding session layer; the protocol
// core never sees credentials here.
type AuthorizeRequest struct {
	ResponseType string
	ClientKey    string
	RedirectURI  string
	Scope        string
	State        string
	User         *identity.User
	Decision     ConsentDecision
	IPAddress    string
}

// ConsentPrompt is the material for rendering a consent screen: the client
// asking, the scope it requested, and the resolved resource grants.
type ConsentPrompt struct {
	Client *storage.Client
	Scope  scope.Set
	Grants []*ResourceGrant
}

// AuthorizeResult is a successful authorization outcome: either a code to
// deliver by redirect, or a consent prompt to render.
type AuthorizeResult struct {
	Code        string
	RedirectURI string
	State       string
	Prompt      *ConsentPrompt
}

// Authorize runs the authorization request validation chain, the scope
// resolver, and the consent decision engine, and issues an authorization
// code when consent is established. Validation failures surface as an
// AuthorizeError carrying the redirect target they may be delivered to; an
// empty target means direct rejection.
//
// The checks run in a fixed order and each failure is terminal: no code is
// ever created alongside an error.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest) (*AuthorizeResult, *AuthorizeError) {
	ctx, span := s.startSpan(ctx, "server.authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientKey, userID(req.User), req.Scope)
	if s.metrics != nil {
		s.metrics.AuthorizationRequests.Add(ctx, 1)
	}

	// Until the client record resolves, the only candidate redirect target
	// is the one the caller supplied.
	if req.ClientKey == "" {
		return nil, s.authorizeFailure(ctx, span, req,
			ErrInvalidRequest("client_id is missing"), req.RedirectURI)
	}

	client, err := s.clients.GetClientByKey(ctx, req.ClientKey)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, s.authorizeFailure(ctx, span, req,
				ErrUnauthorizedClient("unknown client"), req.RedirectURI)
		}
		s.Logger.Error("Client lookup failed", "client_key", req.ClientKey, "error", err)
		return nil, s.authorizeFailure(ctx, span, req,
			ErrServerError("client lookup failed"), req.RedirectURI)
	}

	if req.User == nil {
		return nil, s.authorizeFailure(ctx, span, req,
			ErrInvalidRequest("no authenticated user"), req.RedirectURI)
	}

	if !client.AllowAnyLogin {
		if _, err := s.grants.GetPermissions(ctx, req.User.ID, client.ID); err != nil {
			if errors.Is(err, storage.ErrPermissionsNotFound) {
				return nil, s.authorizeFailure(ctx, span, req,
					ErrInvalidScope("you do not have access to this application"), req.RedirectURI)
			}
			s.Logger.Error("Permission lookup failed", "client_key", req.ClientKey, "error", err)
			return nil, s.authorizeFailure(ctx, span, req,
				ErrServerError("permission lookup failed"), req.RedirectURI)
		}
	}

	if !client.Active {
		return nil, s.authorizeFailure(ctx, span, req,
			ErrUnauthorizedClient("client is inactive"), req.RedirectURI)
	}

	// Resolve the redirect target. A supplied redirect_uri that differs from
	// the registered one must at least share its hostname; errors from here
	// on are delivered to the resolved target.
	redirectURI := client.RedirectURI
	if req.RedirectURI != "" && req.RedirectURI != client.RedirectURI {
		if !util.SameHost(req.RedirectURI, client.RedirectURI) {
			return nil, s.authorizeFailure(ctx, span, req,
				ErrInvalidRequest("redirect_uri does not match"), client.RedirectURI)
		}
		redirectURI = req.RedirectURI
	}

	if req.ResponseType == "" {
		return nil, s.authorizeFailure(ctx, span, req,
			ErrInvalidRequest("response_type is missing"), redirectURI)
	}
	if req.ResponseType != "code" {
		return nil, s.authorizeFailure(ctx, span, req,
			ErrUnsupportedResponseType("response_type not supported"), redirectURI)
	}

	requested := scope.Parse(req.Scope)
	if requested.IsEmpty() {
		return nil, s.authorizeFailure(ctx, span, req,
			ErrInvalidRequest("scope is missing"), redirectURI)
	}

	grants, rerr := s.resolveScope(ctx, client, requested)
	if rerr != nil {
		return nil, s.authorizeFailure(ctx, span, req, rerr, redirectURI)
	}

	// Consent decision engine. Trust skips the prompt, never authentication;
	// an existing token already covering the request also skips it.
	switch {
	case client.Trusted:
		s.metrics.RecordConsentDecision(ctx, "skipped_trusted")
		return s.issueAuthCode(ctx, span, req, client, requested, redirectURI)

	case s.existingTokenCovers(ctx, req.User.ID, client.ID, requested):
		s.metrics.RecordConsentDecision(ctx, "skipped_subset")
		return s.issueAuthCode(ctx, span, req, client, requested, redirectURI)

	case req.Decision == ConsentAccept:
		s.metrics.RecordConsentDecision(ctx, "accepted")
		return s.issueAuthCode(ctx, span, req, client, requested, redirectURI)

	case req.Decision == ConsentDeny:
		s.metrics.RecordConsentDecision(ctx, "denied")
		s.Auditor.LogConsentDenied(req.User.ID, client.Key, req.IPAddress)
		return nil, s.authorizeFailure(ctx, span, req,
			ErrAccessDenied("the user denied your request"), redirectURI)

	default:
		s.metrics.RecordConsentDecision(ctx, "prompted")
		instrumentation.SetSpanSuccess(span)
		return &AuthorizeResult{
			RedirectURI: redirectURI,
			State:       req.State,
			Prompt: &ConsentPrompt{
				Client: client,
				Scope:  requested,
				Grants: grants,
			},
		}, nil
	}
}

// existingTokenCovers reports whether a token already granted to the
// (user, client) pair covers the requested scope as a subset.
func (s *Server) existingTokenCovers(ctx context.Context, userID, clientID string, requested scope.Set) bool {
	token, err := s.tokens.GetToken(ctx, userID, clientID)
	if err != nil {
		if !errors.Is(err, storage.ErrTokenNotFound) {
			s.Logger.Warn("Token lookup failed during consent check", "error", err)
		}
		return false
	}
	return requested.IsSubset(scope.Parse(token.Scope))
}

// issueAuthCode mints a single-use code bound to (user, client, scope,
// redirect_uri). Pending flash messages survive only for trusted clients;
// an opaque redirect to anyone else would strand them, so they are dropped.
func (s *Server) issueAuthCode(ctx context.Context, span trace.Span, req *AuthorizeRequest, client *storage.Client, requested scope.Set, redirectURI string) (*AuthorizeResult, *AuthorizeError) {
	code := &storage.AuthCode{
		ID:          newID(),
		UserID:      req.User.ID,
		ClientID:    client.ID,
		Code:        newOpaqueSecret(),
		Scope:       requested.Format(),
		RedirectURI: redirectURI,
		CreatedAt:   s.now(),
	}
	if err := s.flows.SaveAuthCode(ctx, code); err != nil {
		s.Logger.Error("Saving authorization code failed", "client_key", client.Key, "error", err)
		return nil, s.authorizeFailure(ctx, span, req,
			ErrServerError("could not issue authorization code"), redirectURI)
	}

	if !client.Trusted {
		if _, err := s.flashes.DrainFlashMessages(ctx, req.User.ID); err != nil {
			s.Logger.Warn("Discarding flash messages failed", "user_id", req.User.ID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.CodesIssued.Add(ctx, 1)
	}
	s.Auditor.LogCodeIssued(req.User.ID, client.Key, req.IPAddress, code.Scope)
	s.Logger.Info("Authorization code issued",
		"client_key", client.Key,
		"user_id", req.User.ID,
		"scope", code.Scope)
	instrumentation.SetSpanSuccess(span)

	return &AuthorizeResult{
		Code:        code.Code,
		RedirectURI: redirectURI,
		State:       req.State,
	}, nil
}

// authorizeFailure records the failure on the span and audit log and wraps
// the protocol error with its delivery target.
func (s *Server) authorizeFailure(_ context.Context, span trace.Span, req *AuthorizeRequest, err *Error, redirectURI string) *AuthorizeError {
	s.Auditor.LogAuthFailure(userID(req.User), req.ClientKey, req.IPAddress, err.Code)
	instrumentation.SetSpanError(span, err.Code)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrError, err.Code),
		attribute.String(instrumentation.AttrErrorDescription, err.Description),
	)
	return redirectError(err, redirectURI, req.State)
}

func userID(user *identity.User) string {
	if user == nil {
		return ""
	}
	return user.ID
}
