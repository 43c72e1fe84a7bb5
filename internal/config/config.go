// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyfold Contributors

// Package config loads and validates keyfold server configuration from
// YAML files, command-line flags, and environment fallbacks.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/keyfold/keyfold/internal/xdg"
)

// FileName is the config file looked up under the XDG config directory
// when no explicit path is given.
const FileName = "keyfold.yaml"

// minSigningKeyBytes is the smallest accepted HMAC signing key. Shorter
// keys make signed tokens forgeable in practice.
const minSigningKeyBytes = 32

// Config is the root configuration for the keyfold server.
type Config struct {
	Server       ServerConfig       `koanf:"server" json:"server,omitempty"`
	Database     DatabaseConfig     `koanf:"database" json:"database,omitempty"`
	Auth         AuthConfig         `koanf:"auth" json:"auth,omitempty"`
	Mail         MailConfig         `koanf:"mail" json:"mail,omitempty"`
	Log          LogConfig          `koanf:"log" json:"log,omitempty"`
	Housekeeping HousekeepingConfig `koanf:"housekeeping" json:"housekeeping,omitempty"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr        string    `koanf:"addr" json:"addr,omitempty"`
	MetricsAddr string    `koanf:"metrics_addr" json:"metrics_addr,omitempty"`
	TLS         TLSConfig `koanf:"tls" json:"tls,omitempty"`
}

// TLSConfig holds TLS settings for the API listener. Enabled with no
// certificate paths means a self-signed development certificate is
// generated under the XDG config directory.
type TLSConfig struct {
	Enabled  bool   `koanf:"enabled" json:"enabled,omitempty"`
	CertFile string `koanf:"cert_file" json:"cert_file,omitempty"`
	KeyFile  string `koanf:"key_file" json:"key_file,omitempty"`
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	URL string `koanf:"url" json:"url,omitempty"`
}

// AuthConfig holds token and session lifetime settings.
type AuthConfig struct {
	SigningKey     string        `koanf:"signing_key" json:"signing_key,omitempty"`
	AccessTokenTTL time.Duration `koanf:"access_token_ttl" json:"access_token_ttl,omitempty" jsonschema:"type=string,default=24h"`
	SessionTTL     time.Duration `koanf:"session_ttl" json:"session_ttl,omitempty" jsonschema:"type=string,default=720h"`
	RotationWindow time.Duration `koanf:"rotation_window" json:"rotation_window,omitempty" jsonschema:"type=string,default=168h"`
	CodeTTL        time.Duration `koanf:"code_ttl" json:"code_ttl,omitempty" jsonschema:"type=string,default=15m"`
}

// MailConfig selects how verification and reset codes are delivered.
type MailConfig struct {
	Mode string     `koanf:"mode" json:"mode,omitempty" jsonschema:"enum=log,enum=smtp,default=log"`
	SMTP SMTPConfig `koanf:"smtp" json:"smtp,omitempty"`
}

// SMTPConfig holds SMTP relay settings for mail.mode "smtp".
type SMTPConfig struct {
	Host     string `koanf:"host" json:"host,omitempty"`
	Port     int    `koanf:"port" json:"port,omitempty" jsonschema:"default=587"`
	Username string `koanf:"username" json:"username,omitempty"`
	Password string `koanf:"password" json:"password,omitempty"`
	From     string `koanf:"from" json:"from,omitempty"`
	StartTLS bool   `koanf:"starttls" json:"starttls,omitempty" jsonschema:"default=true"`
}

// LogConfig holds structured logging settings.
type LogConfig struct {
	Format string `koanf:"format" json:"format,omitempty" jsonschema:"enum=json,enum=text,default=json"`
	Level  string `koanf:"level" json:"level,omitempty" jsonschema:"enum=debug,enum=info,enum=warn,enum=error,default=info"`
}

// HousekeepingConfig controls the background sweep that purges expired
// sessions and one-time codes.
type HousekeepingConfig struct {
	Interval time.Duration `koanf:"interval" json:"interval,omitempty" jsonschema:"type=string,default=1h"`
}

// Default returns the built-in configuration. File, flag, and
// environment values overlay it in that order.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        "127.0.0.1:8080",
			MetricsAddr: "127.0.0.1:9100",
		},
		Auth: AuthConfig{
			AccessTokenTTL: 24 * time.Hour,
			SessionTTL:     720 * time.Hour,
			RotationWindow: 168 * time.Hour,
			CodeTTL:        15 * time.Minute,
		},
		Mail: MailConfig{
			Mode: "log",
			SMTP: SMTPConfig{
				Port:     587,
				StartTLS: true,
			},
		},
		Log: LogConfig{
			Format: "json",
			Level:  "info",
		},
		Housekeeping: HousekeepingConfig{
			Interval: time.Hour,
		},
	}
}

// flagMappings routes command-line flags onto config keys. Flags not
// listed here never reach the config tree.
var flagMappings = map[string]string{
	"addr":         "server.addr",
	"metrics-addr": "server.metrics_addr",
	"database-url": "database.url",
	"log-format":   "log.format",
	"log-level":    "log.level",
}

// Load builds the effective configuration. Precedence, lowest to
// highest: built-in defaults, config file, command-line flags, then
// environment fallbacks for secrets left empty. An explicit path must
// exist; with no path, FileName under the XDG config directory is
// loaded when present.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	cfgPath := path
	if cfgPath == "" {
		candidate := filepath.Join(xdg.ConfigDir(), FileName)
		if _, err := os.Stat(candidate); err == nil {
			cfgPath = candidate
		}
	}

	k := koanf.New(".")
	if cfgPath != "" {
		raw, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, oops.Code("CONFIG_READ_FAILED").With("path", cfgPath).Wrapf(err, "read config file")
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			if err := ValidateSchema(raw); err != nil {
				return nil, oops.Code("CONFIG_INVALID").With("path", cfgPath).Wrap(err)
			}
			if err := k.Load(file.Provider(cfgPath), yaml.Parser()); err != nil {
				return nil, oops.Code("CONFIG_PARSE_FAILED").With("path", cfgPath).Wrapf(err, "parse config file")
			}
		}
	}

	if flags != nil {
		// Passing k lets posflag skip flag defaults for keys the file
		// already set; explicitly changed flags still win.
		if err := k.Load(posflag.ProviderWithValue(flags, ".", k, flagValue), nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrapf(err, "merge command-line flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_DECODE_FAILED").Wrapf(err, "decode configuration")
	}

	applyEnvFallbacks(cfg)
	return cfg, nil
}

// flagValue maps a flag onto its config key. Unmapped flags are
// skipped.
func flagValue(key, value string) (string, any) {
	mapped, ok := flagMappings[key]
	if !ok {
		return "", nil
	}
	return mapped, value
}

// applyEnvFallbacks fills secrets from the environment when the file
// and flags left them empty.
func applyEnvFallbacks(cfg *Config) {
	if cfg.Database.URL == "" {
		cfg.Database.URL = os.Getenv("DATABASE_URL")
	}
	if cfg.Auth.SigningKey == "" {
		cfg.Auth.SigningKey = os.Getenv("KEYFOLD_SIGNING_KEY")
	}
	if cfg.Mail.SMTP.Password == "" {
		cfg.Mail.SMTP.Password = os.Getenv("KEYFOLD_SMTP_PASSWORD")
	}
}

// Validate checks that the configuration can run the server.
func (cfg *Config) Validate() error {
	if cfg.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("log.format must be 'json' or 'text', got %q", cfg.Log.Format)
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url is required (or set DATABASE_URL)")
	}
	if len(cfg.Auth.SigningKey) < minSigningKeyBytes {
		return fmt.Errorf("auth.signing_key must be at least %d bytes, got %d (or set KEYFOLD_SIGNING_KEY)",
			minSigningKeyBytes, len(cfg.Auth.SigningKey))
	}
	if cfg.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be positive")
	}
	if cfg.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive")
	}
	if cfg.Auth.RotationWindow <= 0 {
		return fmt.Errorf("auth.rotation_window must be positive")
	}
	if cfg.Auth.RotationWindow >= cfg.Auth.SessionTTL {
		return fmt.Errorf("auth.rotation_window must be shorter than auth.session_ttl")
	}
	if cfg.Auth.CodeTTL <= 0 {
		return fmt.Errorf("auth.code_ttl must be positive")
	}
	switch cfg.Mail.Mode {
	case "log":
	case "smtp":
		if cfg.Mail.SMTP.Host == "" {
			return fmt.Errorf("mail.smtp.host is required when mail.mode is 'smtp'")
		}
		if cfg.Mail.SMTP.From == "" {
			return fmt.Errorf("mail.smtp.from is required when mail.mode is 'smtp'")
		}
	default:
		return fmt.Errorf("mail.mode must be 'log' or 'smtp', got %q", cfg.Mail.Mode)
	}
	if (cfg.Server.TLS.CertFile == "") != (cfg.Server.TLS.KeyFile == "") {
		return fmt.Errorf("server.tls.cert_file and server.tls.key_file must be set together")
	}
	if cfg.Housekeeping.Interval <= 0 {
		return fmt.Errorf("housekeeping.interval must be positive")
	}
	return nil
}
