// Package server implements the authorization server's protocol logic: the
// authorization request validator, the scope/resource resolver, the consent
// decision engine, the authorization code issuer, the token grant dispatcher,
// the token issuer with its scope-merge semantics, and the flash message
// relay. The HTTP surface lives in the root lastuser package.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/hasgeek/lastuser/identity"
	"github.com/hasgeek/lastuser/instrumentation"
	"github.com/hasgeek/lastuser/security"
	"github.com/hasgeek/lastuser/storage"
)

// Server coordinates the OAuth flows against the persistence layer and the
// external user directory. Each request is an independent, stateless unit of
// work; the server holds no per-session state and runs no background tasks.
type Server struct {
	clients   storage.ClientStore
	resources storage.ResourceStore
	flows     storage.FlowStore
	tokens    storage.TokenStore
	grants    storage.GrantStore
	flashes   storage.FlashStore
	directory identity.Directory

	Auditor *security.Auditor
	Logger  *slog.Logger
	Config  *Config

	metrics *instrumentation.Metrics
	tracer  trace.Tracer

	now func() time.Time
}

// New creates an authorization server over a store and a user directory
func New(store storage.Store, directory identity.Directory, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if directory == nil {
		return nil, fmt.Errorf("user directory is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	return &Server{
		clients:   store,
		resources: store,
		flows:     store,
		tokens:    store,
		grants:    store,
		flashes:   store,
		directory: directory,
		Logger:    logger,
		Config:    config,
		now:       time.Now,
	}, nil
}

// SetAuditor sets the security audit logger
func (s *Server) SetAuditor(auditor *security.Auditor) {
	s.Auditor = auditor
}

// SetInstrumentation wires OpenTelemetry metrics and tracing
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetNowFunc overrides the clock, for tests
func (s *Server) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// startSpan begins a trace span when instrumentation is wired, and falls
// back to the span already on the context otherwise.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

// newOpaqueSecret generates an authorization code, token, refresh token, or
// MAC secret value.
func newOpaqueSecret() string {
	return oauth2.GenerateVerifier()
}

// newID generates an entity row ID.
func newID() string {
	return uuid.NewString()
}
