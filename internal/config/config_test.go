package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"JWT_SECRET", "ALLOWED_ORIGINS", "ENVIRONMENT",
		"MAX_CONNECTIONS_PER_DEVICE", "PIN_EXPIRY_SECONDS", "SESSION_EXPIRY_SECONDS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "sekrit")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "sekrit" {
		t.Errorf("jwt_secret = %q", cfg.JWTSecret)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Errorf("allowed_origins = %v", cfg.AllowedOrigins)
	}
	if cfg.Environment != "dev" {
		t.Errorf("environment = %q", cfg.Environment)
	}
	if cfg.MaxConnsPerRoom != 3 {
		t.Errorf("max_connections_per_device = %d", cfg.MaxConnsPerRoom)
	}
	if cfg.PINExpirySecs != 300 || cfg.TokenExpirySecs != 86400 {
		t.Errorf("expiries = %d/%d", cfg.PINExpirySecs, cfg.TokenExpirySecs)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestLoadMissingSecret(t *testing.T) {
	clearEnv(t)
	if _, err := Load(""); err == nil {
		t.Fatal("expected error without jwt_secret")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	doc := `
jwt_secret: from-file
allowed_origins:
  - https://app.example.com
environment: production
max_connections_per_device: 5
pin_expiry_seconds: 120
session_expiry_seconds: 3600
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "from-file" || cfg.Environment != "production" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.MaxConnsPerRoom != 5 || cfg.PINExpirySecs != 120 || cfg.TokenExpirySecs != 3600 {
		t.Errorf("limits = %d/%d/%d", cfg.MaxConnsPerRoom, cfg.PINExpirySecs, cfg.TokenExpirySecs)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("logging.level = %q", cfg.Logging.Level)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "relay.yaml")
	if err := os.WriteFile(path, []byte("jwt_secret: from-file\nmax_connections_per_device: 5\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("JWT_SECRET", "from-env")
	t.Setenv("MAX_CONNECTIONS_PER_DEVICE", "7")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.JWTSecret != "from-env" {
		t.Errorf("jwt_secret = %q, want env value", cfg.JWTSecret)
	}
	if cfg.MaxConnsPerRoom != 7 {
		t.Errorf("max_connections_per_device = %d, want 7", cfg.MaxConnsPerRoom)
	}
	want := []string{"https://a.example.com", "https://b.example.com"}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != want[0] || cfg.AllowedOrigins[1] != want[1] {
		t.Errorf("allowed_origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadBadEnvNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("JWT_SECRET", "sekrit")
	t.Setenv("MAX_CONNECTIONS_PER_DEVICE", "many")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for non-numeric override")
	}
}

func TestSecretDecoding(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	encoded := base64.StdEncoding.EncodeToString(raw)

	cfg := &Config{JWTSecret: encoded}
	got := cfg.Secret()
	if len(got) != 32 || got[31] != 31 {
		t.Errorf("base64 secret not decoded: %v", got)
	}

	cfg = &Config{JWTSecret: "plain-text-secret"}
	if string(cfg.Secret()) != "plain-text-secret" {
		t.Errorf("plain secret = %q", cfg.Secret())
	}
}
