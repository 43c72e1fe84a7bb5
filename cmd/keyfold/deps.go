package main

import (
	"context"
	cryptotls "crypto/tls"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/httpapi"
	"github.com/keyfold/keyfold/internal/observability"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values will use their default implementations.
type ServeDeps struct {
	// DatabaseFactory connects to the database from a URL.
	// Default: database.Connect
	DatabaseFactory func(ctx context.Context, url string) (Database, error)

	// TLSCertEnsurer generates or loads TLS certificates.
	// Default: ensureTLSCerts
	TLSCertEnsurer func(certsDir, name string, hosts []string) (*cryptotls.Config, error)

	// KeyPairLoader loads an operator-supplied certificate and key.
	// Default: tls.LoadKeyPair
	KeyPairLoader func(certFile, keyFile string) (*cryptotls.Config, error)

	// CertsDirGetter returns the certificates directory path.
	// Default: xdg.CertsDir
	CertsDirGetter func() string

	// MailerFactory creates the mailer for one-time codes.
	// Default: buildMailer
	MailerFactory func(cfg config.MailConfig) auth.CodeMailer

	// APIServerFactory creates the HTTP API server.
	// Default: httpapi.NewServer
	APIServerFactory func(svc *auth.Service, tokens *auth.TokenIssuer, opts httpapi.Options) APIServer

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

// Database interface wraps the methods used by serve from pgxpool.Pool.
type Database interface {
	Close()
	Ping(ctx context.Context) error
}

// APIServer interface wraps the methods used from httpapi.Server.
type APIServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
