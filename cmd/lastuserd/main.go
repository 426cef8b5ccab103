// Command lastuserd runs the authorization server as a standalone daemon
// behind a reverse proxy that handles sessions and login. Configuration
// comes from the environment, with a .env file loaded for local development.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hasgeek/lastuser"
	"github.com/hasgeek/lastuser/identity"
	"github.com/hasgeek/lastuser/instrumentation"
	"github.com/hasgeek/lastuser/security"
	"github.com/hasgeek/lastuser/server"
	"github.com/hasgeek/lastuser/storage"
	"github.com/hasgeek/lastuser/storage/memory"
	"github.com/hasgeek/lastuser/storage/postgres"
)

type config struct {
	// ListenAddr is the HTTP listen address
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Issuer is the server's public base URL
	Issuer string `env:"ISSUER" envDefault:"http://localhost:8080"`

	// DatabaseURL selects the PostgreSQL backend; empty runs in-memory
	DatabaseURL string `env:"DATABASE_URL"`

	// AuthCodeTTL is the authorization code redemption window
	AuthCodeTTL time.Duration `env:"AUTH_CODE_TTL" envDefault:"60s"`

	// TokenValidity is the access token lifetime in seconds, 0 = non-expiring
	TokenValidity int64 `env:"TOKEN_VALIDITY" envDefault:"0"`

	// TrustProxy trusts X-Forwarded-For from the reverse proxy
	TrustProxy bool `env:"TRUST_PROXY" envDefault:"false"`

	// AuditLog enables security audit logging
	AuditLog bool `env:"AUDIT_LOG" envDefault:"true"`

	// ServiceVersion is reported through instrumentation
	ServiceVersion string `env:"SERVICE_VERSION"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lastuserd:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "lastuserd",
		ServiceVersion: cfg.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("initializing instrumentation: %w", err)
	}

	store, cleanup, err := openStore(cfg, logger, inst)
	if err != nil {
		return err
	}
	defer cleanup()

	// The daemon has no user directory of its own; deployments embed the
	// lastuser packages behind their session layer or populate this
	// directory at startup.
	directory := identity.NewStaticDirectory()

	srv, err := server.New(store, directory, &server.Config{
		Issuer:               cfg.Issuer,
		AuthorizationCodeTTL: cfg.AuthCodeTTL,
		AccessTokenValidity:  cfg.TokenValidity,
		TrustProxy:           cfg.TrustProxy,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	srv.SetAuditor(security.NewAuditor(logger, cfg.AuditLog))
	srv.SetInstrumentation(inst)

	handler := lastuser.NewHandler(srv, logger)
	handler.SetInstrumentation(inst)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           security.RequestIDMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Listening", "addr", cfg.ListenAddr, "issuer", cfg.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-stop:
		logger.Info("Shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := inst.Shutdown(ctx); err != nil {
		logger.Warn("Instrumentation shutdown failed", "error", err)
	}
	return nil
}

// openStore selects the persistence backend: PostgreSQL when DATABASE_URL is
// set, in-memory otherwise.
func openStore(cfg config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("No DATABASE_URL set, using in-memory storage")
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, func() {}, nil
	}

	store, err := postgres.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	store.SetLogger(logger)
	store.SetInstrumentation(inst)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("ensuring schema: %w", err)
	}

	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("Closing database failed", "error", err)
		}
	}
	return store, cleanup, nil
}
