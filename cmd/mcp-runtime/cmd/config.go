package cmd

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/cobra"
)

// Config is the runtime configuration. Environment variables are read first
// and explicitly set flags win.
type Config struct {
	// Transport is "stdio" or "http". ENV: MCP_TRANSPORT
	Transport string `env:"MCP_TRANSPORT,default=stdio"`
	// Addr is the HTTP listen address. ENV: MCP_ADDR
	Addr string `env:"MCP_ADDR,default=127.0.0.1:8080"`
	// PublicEndpoint is the externally visible MCP URL; its path is where
	// the handler is mounted. ENV: MCP_PUBLIC_ENDPOINT
	PublicEndpoint string `env:"MCP_PUBLIC_ENDPOINT,default=http://127.0.0.1:8080/mcp"`
	// Store is "memory" or "redis". Redis settings come from REDIS_ADDR and
	// friends. ENV: MCP_SESSION_STORE
	Store string `env:"MCP_SESSION_STORE,default=memory"`
	// SessionTTL is the sliding session lifetime. ENV: MCP_SESSION_TTL
	SessionTTL time.Duration `env:"MCP_SESSION_TTL,default=30m"`
	// SigningKey is a base64 Ed25519 seed. When set, session ids handed to
	// clients are signed. ENV: MCP_SESSION_SIGNING_KEY
	SigningKey string `env:"MCP_SESSION_SIGNING_KEY"`
	// FSRoot, when set, exposes the directory as fs:// resources.
	// ENV: MCP_FS_ROOT
	FSRoot string `env:"MCP_FS_ROOT"`
	// MetricsAddr, when set, serves Prometheus metrics on a separate
	// listener. In http mode metrics are also mounted at /metrics.
	// ENV: MCP_METRICS_ADDR
	MetricsAddr string `env:"MCP_METRICS_ADDR"`
	// RequestTimeout bounds how long one inbound request may run. Zero means
	// no limit. ENV: MCP_REQUEST_TIMEOUT
	RequestTimeout time.Duration `env:"MCP_REQUEST_TIMEOUT"`
	// LogLevel is debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func addConfigFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("transport", "", "Transport to serve: stdio or http.")
	f.String("addr", "", "HTTP listen address.")
	f.String("public-endpoint", "", "Public URL of the MCP endpoint, e.g. https://mcp.example.com/mcp.")
	f.String("store", "", "Session store: memory or redis.")
	f.Duration("session-ttl", 0, "Sliding session lifetime.")
	f.String("fs-root", "", "Directory to expose as fs:// resources.")
	f.String("metrics-addr", "", "Address for a separate Prometheus metrics listener.")
	f.Duration("request-timeout", 0, "Upper bound on one inbound request. Zero means no limit.")
	f.String("log-level", "", "Log level: debug, info, warn or error.")
}

// loadConfig decodes the environment and applies any flags the user set.
func loadConfig(cmd *cobra.Command) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	f := cmd.Flags()
	strs := map[string]*string{
		"transport":       &cfg.Transport,
		"addr":            &cfg.Addr,
		"public-endpoint": &cfg.PublicEndpoint,
		"store":           &cfg.Store,
		"fs-root":         &cfg.FSRoot,
		"metrics-addr":    &cfg.MetricsAddr,
		"log-level":       &cfg.LogLevel,
	}
	for name, dst := range strs {
		if f.Changed(name) {
			v, err := f.GetString(name)
			if err != nil {
				return nil, err
			}
			*dst = v
		}
	}
	durs := map[string]*time.Duration{
		"session-ttl":     &cfg.SessionTTL,
		"request-timeout": &cfg.RequestTimeout,
	}
	for name, dst := range durs {
		if f.Changed(name) {
			v, err := f.GetDuration(name)
			if err != nil {
				return nil, err
			}
			*dst = v
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Transport {
	case "stdio", "http":
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	switch c.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown session store %q", c.Store)
	}
	if c.Transport == "http" {
		u, err := url.Parse(c.PublicEndpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("public endpoint must be an http(s) URL, got %q", c.PublicEndpoint)
		}
	}
	if _, err := c.signingKey(); err != nil {
		return err
	}
	return nil
}

// signingKey returns nil when no key is configured.
func (c *Config) signingKey() (ed25519.PrivateKey, error) {
	if c.SigningKey == "" {
		return nil, nil
	}
	seed, err := base64.StdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("session signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("session signing key: want %d byte seed, got %d", ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (c *Config) level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
