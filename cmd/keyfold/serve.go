// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

package main

import (
	"context"
	cryptotls "crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/auth"
	"github.com/keyfold/keyfold/internal/auth/postgres"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/database"
	"github.com/keyfold/keyfold/internal/httpapi"
	"github.com/keyfold/keyfold/internal/logging"
	"github.com/keyfold/keyfold/internal/mail"
	"github.com/keyfold/keyfold/internal/observability"
	"github.com/keyfold/keyfold/internal/tls"
	"github.com/keyfold/keyfold/internal/xdg"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the keyfold API server",
		Long: `Start the HTTP API server, the metrics/health endpoint, and the
background sweep that deletes expired sessions and one-time codes.

Configuration is read from keyfold.yaml (see --config); flags changed
on the command line take precedence over file values.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeWithDeps(cmd.Context(), cmd, nil)
		},
	}

	defaults := config.Default()
	cmd.Flags().String("addr", defaults.Server.Addr, "API listen address")
	cmd.Flags().String("metrics-addr", defaults.Server.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	cmd.Flags().String("log-format", defaults.Log.Format, "log format (json or text)")
	cmd.Flags().String("log-level", defaults.Log.Level, "log level (debug, info, warn or error)")

	return cmd
}

// runServeWithDeps starts the server with injectable dependencies.
// If deps is nil, default implementations are used.
func runServeWithDeps(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}

	// Set up default factories
	if deps.DatabaseFactory == nil {
		deps.DatabaseFactory = func(ctx context.Context, url string) (Database, error) {
			return database.Connect(ctx, url)
		}
	}
	if deps.TLSCertEnsurer == nil {
		deps.TLSCertEnsurer = ensureTLSCerts
	}
	if deps.KeyPairLoader == nil {
		deps.KeyPairLoader = tls.LoadKeyPair
	}
	if deps.CertsDirGetter == nil {
		deps.CertsDirGetter = xdg.CertsDir
	}
	if deps.MailerFactory == nil {
		deps.MailerFactory = buildMailer
	}
	if deps.APIServerFactory == nil {
		deps.APIServerFactory = func(svc *auth.Service, tokens *auth.TokenIssuer, opts httpapi.Options) APIServer {
			return httpapi.NewServer(svc, tokens, opts)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker)
		}
	}

	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logging.SetDefault("keyfold", version, cfg.Log.Format, cfg.Log.Level)

	slog.Info("starting keyfold",
		"addr", cfg.Server.Addr,
		"log_format", cfg.Log.Format,
	)

	db, err := deps.DatabaseFactory(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	slog.Info("connected to database")

	// Load operator certificates, or generate local ones under the
	// XDG certs dir when none are configured.
	var tlsConfig *cryptotls.Config
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile != "" {
			tlsConfig, err = deps.KeyPairLoader(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			if err != nil {
				return fmt.Errorf("failed to load TLS certificate: %w", err)
			}
		} else {
			certsDir := deps.CertsDirGetter()
			tlsConfig, err = deps.TLSCertEnsurer(certsDir, "api", tlsHosts(cfg.Server.Addr))
			if err != nil {
				return fmt.Errorf("failed to set up TLS: %w", err)
			}
			slog.Info("TLS certificates ready", "certs_dir", certsDir)
		}
	}

	// Set up graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The domain service needs a real pool for its repositories. Tests
	// inject a fake Database and an APIServerFactory of their own.
	var (
		svc    *auth.Service
		tokens *auth.TokenIssuer
	)
	if pool, ok := db.(*pgxpool.Pool); ok {
		tokens, err = auth.NewTokenIssuer([]byte(cfg.Auth.SigningKey), cfg.Auth.AccessTokenTTL)
		if err != nil {
			return fmt.Errorf("failed to create token issuer: %w", err)
		}

		users := postgres.NewUserRepository(pool)
		codes := postgres.NewCodeRepository(pool)
		sessions := postgres.NewSessionRepository(pool)

		svc = auth.NewService(
			users,
			sessions,
			auth.NewCodeService(codes, cfg.Auth.CodeTTL),
			auth.NewArgon2idHasher(),
			tokens,
			deps.MailerFactory(cfg.Mail),
			auth.ServiceConfig{
				SessionTTL:     cfg.Auth.SessionTTL,
				RotationWindow: cfg.Auth.RotationWindow,
			},
		)

		go runHousekeeping(ctx, cfg.Housekeeping.Interval, sessions, codes)
	}

	api := deps.APIServerFactory(svc, tokens, httpapi.Options{
		Addr:      cfg.Server.Addr,
		TLSConfig: tlsConfig,
	})

	apiErrChan, err := api.Start()
	if err != nil {
		return fmt.Errorf("failed to start api server: %w", err)
	}
	// Monitor api server errors in background - cancel context on error
	go monitorServerErrors(ctx, cancel, apiErrChan, "api")

	// Start observability server if configured
	var obsServer ObservabilityServer
	if cfg.Server.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.Server.MetricsAddr, func() bool {
			pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer pingCancel()
			return db.Ping(pingCtx) == nil
		})
		obsErrChan, obsErr := obsServer.Start()
		if obsErr != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if stopErr := api.Stop(shutdownCtx); stopErr != nil {
				slog.Warn("failed to stop api server during cleanup", "error", stopErr)
			}
			return fmt.Errorf("failed to start observability server: %w", obsErr)
		}
		// Monitor observability server errors - cancel context on error
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Keyfold server started")
	slog.Info("keyfold ready",
		"addr", api.Addr(),
		"tls", tlsConfig != nil,
	)

	// Wait for shutdown signal or server failure
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := api.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping api server", "error", err)
	}

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	if svc != nil {
		if err := svc.Close(shutdownCtx); err != nil {
			slog.Warn("error draining mail dispatches", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// buildMailer creates the configured CodeMailer.
func buildMailer(cfg config.MailConfig) auth.CodeMailer {
	if cfg.Mode == "smtp" {
		return mail.NewSMTPMailer(mail.SMTPOptions{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
			StartTLS: cfg.SMTP.StartTLS,
		})
	}
	return mail.NewLogMailer(nil)
}

// tlsHosts returns the extra SAN hosts for a generated certificate.
// Wildcard and loopback listen addresses add nothing beyond the
// localhost names the generator already includes.
func tlsHosts(addr string) []string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	switch host {
	case "", "0.0.0.0", "::", "localhost", "127.0.0.1":
		return nil
	}
	return []string{host}
}

// ensureTLSCerts generates or loads TLS certificates.
func ensureTLSCerts(certsDir, name string, hosts []string) (*cryptotls.Config, error) {
	certPath := filepath.Join(certsDir, name+".crt")
	keyPath := filepath.Join(certsDir, name+".key")
	caPath := filepath.Join(certsDir, "root-ca.crt")

	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)
	caExists := fileExists(caPath)

	// If any certificate files exist, try to load them
	// If loading fails (corruption, permission issues, etc.), return the error
	// rather than silently regenerating certificates
	if certExists || keyExists || caExists {
		existingConfig, err := tls.LoadServerTLS(certsDir, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing TLS certificates: %w", err)
		}
		return existingConfig, nil
	}

	// No certificate files exist, generate new ones
	slog.Info("generating TLS certificates", "certs_dir", certsDir)

	if err := xdg.EnsureDir(certsDir); err != nil {
		return nil, fmt.Errorf("failed to create certs directory: %w", err)
	}

	ca, err := tls.GenerateCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA: %w", err)
	}

	serverCert, err := tls.GenerateServerCert(ca, name, hosts)
	if err != nil {
		return nil, fmt.Errorf("failed to generate server certificate: %w", err)
	}

	if err := tls.SaveCertificates(certsDir, ca, serverCert); err != nil {
		return nil, fmt.Errorf("failed to save certificates: %w", err)
	}

	slog.Info("TLS certificates generated")

	// Load the newly generated certificates
	tlsConfig, err := tls.LoadServerTLS(certsDir, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load generated certificates: %w", err)
	}
	return tlsConfig, nil
}

// fileExists returns true if the file exists, false otherwise.
// Permission errors are treated as "file exists" to avoid silently
// overwriting files we can't read.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}

// runHousekeeping periodically deletes expired sessions and stale
// one-time codes until the context is cancelled.
func runHousekeeping(ctx context.Context, interval time.Duration, sessions auth.SessionRepository, codes auth.CodeRepository) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepExpired(ctx, sessions, codes)
		}
	}
}

// sweepExpired runs one housekeeping pass.
func sweepExpired(ctx context.Context, sessions auth.SessionRepository, codes auth.CodeRepository) {
	now := time.Now()

	deletedSessions, err := sessions.DeleteExpired(ctx, now)
	if err != nil {
		slog.Warn("failed to delete expired sessions", "error", err)
	}

	deletedCodes, err := codes.DeleteExpired(ctx, now)
	if err != nil {
		slog.Warn("failed to delete expired codes", "error", err)
	}

	if deletedSessions > 0 || deletedCodes > 0 {
		slog.Info("housekeeping sweep completed",
			"sessions_deleted", deletedSessions,
			"codes_deleted", deletedCodes,
		)
	}
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// This ensures that server failures trigger graceful shutdown of the entire process.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
		// Context cancelled, exit monitoring
	}
}
