// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package httpapi exposes the authentication service as a JSON HTTP API.
package httpapi

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/samber/oops"

	"github.com/keyfold/keyfold/internal/auth"
)

// Options configures the API server.
type Options struct {
	// Addr is the listen address in "host:port" format.
	Addr string

	// TLSConfig enables TLS on the listener when non-nil. It also marks
	// refresh cookies as Secure.
	TLSConfig *tls.Config

	// Logger receives request logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Server serves the versioned authentication API.
type Server struct {
	addr          string
	tlsConfig     *tls.Config
	logger        *slog.Logger
	engine        *gin.Engine
	svc           *auth.Service
	tokens        *auth.TokenIssuer
	secureCookies bool
	listener      net.Listener
	httpServer    *http.Server
	running       atomic.Bool
}

// NewServer creates an API server for the given service. The token
// issuer must be the one the service signs access tokens with, so the
// bearer middleware accepts what login hands out.
func NewServer(svc *auth.Service, tokens *auth.TokenIssuer, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:          opts.Addr,
		tlsConfig:     opts.TLSConfig,
		logger:        logger,
		svc:           svc,
		tokens:        tokens,
		secureCookies: opts.TLSConfig != nil,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	// Recovery sits innermost so metrics and logging still see the 500
	// it writes for a recovered panic.
	engine.Use(requestMetrics())
	engine.Use(requestLogger(logger))
	engine.Use(gin.Recovery())

	s.registerRoutes(engine)
	s.engine = engine
	return s
}

func (s *Server) registerRoutes(engine *gin.Engine) {
	v1 := engine.Group("/v1")

	authGroup := v1.Group("/auth")
	authGroup.POST("/register", s.handleRegister)
	authGroup.POST("/verify-email", s.handleVerifyEmail)
	authGroup.POST("/resend-verification", s.handleResendVerification)
	authGroup.POST("/login", s.handleLogin)
	authGroup.POST("/refresh", s.handleRefresh)
	authGroup.POST("/logout", s.handleLogout)
	authGroup.POST("/password-reset/request", s.handlePasswordResetRequest)
	authGroup.POST("/password-reset/confirm", s.handlePasswordResetConfirm)

	sessions := v1.Group("/sessions", s.authenticated())
	sessions.GET("", s.handleListSessions)
	sessions.DELETE("/:id", s.handleRevokeSession)
	sessions.POST("/revoke-others", s.handleRevokeOthers)
}

// Handler returns the routed handler, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving the API.
// It returns an error channel that will receive any errors from the HTTP
// server after it starts. The channel is closed when the server stops
// gracefully. Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}
	s.listener = listener

	httpSrv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	// Create buffered error channel so the goroutine doesn't block
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			s.logger.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("api server started",
		"addr", listener.Addr().String(),
		"tls", s.tlsConfig != nil,
	)
	return errCh, nil
}

// Stop gracefully shuts down the API server, letting in-flight
// requests complete until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_api_server").Wrap(err)
		}
	}

	s.logger.Info("api server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
