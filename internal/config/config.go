package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the relay service configuration. Every field can be set in a
// YAML file and overridden by environment variables.
type Config struct {
	JWTSecret        string   `yaml:"jwt_secret"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	Environment      string   `yaml:"environment"`
	MaxConnsPerRoom  int      `yaml:"max_connections_per_device"`
	PINExpirySecs    int      `yaml:"pin_expiry_seconds"`
	TokenExpirySecs  int      `yaml:"session_expiry_seconds"`
	Logging          Logging  `yaml:"logging"`
}

type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads an optional YAML file, applies env overrides, fills defaults,
// and validates. path may be empty.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitOrigins(v)
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("MAX_CONNECTIONS_PER_DEVICE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("MAX_CONNECTIONS_PER_DEVICE: %w", err)
		}
		cfg.MaxConnsPerRoom = n
	}
	if v := os.Getenv("PIN_EXPIRY_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("PIN_EXPIRY_SECONDS: %w", err)
		}
		cfg.PINExpirySecs = n
	}
	if v := os.Getenv("SESSION_EXPIRY_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("SESSION_EXPIRY_SECONDS: %w", err)
		}
		cfg.TokenExpirySecs = n
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = []string{"*"}
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.MaxConnsPerRoom == 0 {
		c.MaxConnsPerRoom = 3
	}
	if c.PINExpirySecs == 0 {
		c.PINExpirySecs = 300
	}
	if c.TokenExpirySecs == 0 {
		c.TokenExpirySecs = 86400
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required (set JWT_SECRET)")
	}
	if c.MaxConnsPerRoom < 1 {
		return fmt.Errorf("max_connections_per_device must be at least 1")
	}
	return nil
}

// Secret returns the signing secret as bytes. A base64 value is decoded;
// anything else is used verbatim.
func (c *Config) Secret() []byte {
	if decoded, err := base64.StdEncoding.DecodeString(c.JWTSecret); err == nil && len(decoded) >= 16 {
		return decoded
	}
	return []byte(c.JWTSecret)
}

func splitOrigins(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
