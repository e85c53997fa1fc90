package cmd

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	cmd := RootCmd()
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return loadConfig(cmd)
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := parse(t)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport != "stdio" || cfg.Store != "memory" {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.SessionTTL != 30*time.Minute {
		t.Errorf("want 30m ttl, got %s", cfg.SessionTTL)
	}
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MCP_TRANSPORT", "stdio")
	t.Setenv("MCP_SESSION_STORE", "redis")

	cfg, err := parse(t, "--transport=http", "--public-endpoint=https://mcp.example.com/mcp", "--session-ttl=5m")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Transport != "http" {
		t.Errorf("want flag to win, got %q", cfg.Transport)
	}
	if cfg.Store != "redis" {
		t.Errorf("want env store, got %q", cfg.Store)
	}
	if cfg.SessionTTL != 5*time.Minute {
		t.Errorf("want 5m ttl, got %s", cfg.SessionTTL)
	}
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"transport", []string{"--transport=carrier-pigeon"}, "unknown transport"},
		{"store", []string{"--store=postgres"}, "unknown session store"},
		{"endpoint", []string{"--transport=http", "--public-endpoint=ftp://x/mcp"}, "public endpoint"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(t, tc.args...)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestSigningKey(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, ed25519.SeedSize)
	t.Setenv("MCP_SESSION_SIGNING_KEY", base64.StdEncoding.EncodeToString(seed))

	cfg, err := parse(t)
	if err != nil {
		t.Fatal(err)
	}
	key, err := cfg.signingKey()
	if err != nil {
		t.Fatal(err)
	}
	if !key.Equal(ed25519.NewKeyFromSeed(seed)) {
		t.Errorf("key does not match seed")
	}

	t.Setenv("MCP_SESSION_SIGNING_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
	if _, err := parse(t); err == nil {
		t.Fatal("want error for short seed")
	}
}

func TestOpenSignedMemoryStore(t *testing.T) {
	cfg := &Config{Store: "memory", SessionTTL: time.Minute, SigningKey: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, ed25519.SeedSize))}
	store, closeFn, err := openStore(t.Context(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeFn()

	sess, err := store.Create(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	ok, err := store.Exists(t.Context(), sess.ID())
	if err != nil || !ok {
		t.Fatalf("want signed session to exist, got %v %v", ok, err)
	}
	if ok, _ := store.Exists(t.Context(), sess.ID()+"x"); ok {
		t.Error("want tampered id rejected")
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := RootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), serverName+" ") {
		t.Errorf("unexpected version output %q", out.String())
	}
}

func TestBuildRegistry(t *testing.T) {
	reg, err := buildRegistry(&Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer reg.Close()
	for _, name := range []string{"echo", "vibe_check"} {
		if _, err := reg.Tool(name); err != nil {
			t.Errorf("tool %s: %v", name, err)
		}
	}
	if _, err := reg.Prompt("greeting"); err != nil {
		t.Errorf("prompt: %v", err)
	}
}
