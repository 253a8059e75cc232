package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root runtime configuration for the broker.
type Config struct {
	Server   ServerConfig   `yaml:"server" json:"server"`
	Security SecurityConfig `yaml:"security" json:"security"`
	Storage  StorageConfig  `yaml:"storage" json:"storage"`
	OAuth    OAuthConfig    `yaml:"oauth" json:"oauth"`
	Users    []UserConfig   `yaml:"users" json:"users"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port             int    `yaml:"port" json:"port"`
	Debug            bool   `yaml:"debug" json:"debug"`
	LogFile          string `yaml:"log_file" json:"log_file"`
	SiteURL          string `yaml:"site_url" json:"site_url"`
	RateLimitEnabled bool   `yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RateLimitRPS     int    `yaml:"rate_limit_rps" json:"rate_limit_rps"`
	RateLimitBurst   int    `yaml:"rate_limit_burst" json:"rate_limit_burst"`

	DialTimeoutSec           int `yaml:"dial_timeout_sec" json:"dial_timeout_sec"`
	TLSHandshakeTimeoutSec   int `yaml:"tls_handshake_timeout_sec" json:"tls_handshake_timeout_sec"`
	ResponseHeaderTimeoutSec int `yaml:"response_header_timeout_sec" json:"response_header_timeout_sec"`
	RequestTimeoutSec        int `yaml:"request_timeout_sec" json:"request_timeout_sec"`
	ProxyURL                 string `yaml:"proxy_url" json:"proxy_url"`
}

// SecurityConfig holds token issuing and request gating settings.
type SecurityConfig struct {
	JWTSecret        string `yaml:"jwt_secret" json:"jwt_secret"`
	TokenTTLHours    int    `yaml:"token_ttl_hours" json:"token_ttl_hours"`
	WhitelistEnabled bool   `yaml:"origin_whitelist_enabled" json:"origin_whitelist_enabled"`
	NonceLifetimeSec int    `yaml:"nonce_lifetime_sec" json:"nonce_lifetime_sec"`
}

// StorageConfig selects and parameterizes the settings store backend.
type StorageConfig struct {
	Backend       string `yaml:"backend" json:"backend"`
	BaseDir       string `yaml:"base_dir" json:"base_dir"`
	RedisAddr     string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword string `yaml:"redis_password" json:"redis_password"`
	RedisDB       int    `yaml:"redis_db" json:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix" json:"redis_prefix"`
	MongoURI      string `yaml:"mongodb_uri" json:"mongodb_uri"`
	MongoDatabase string `yaml:"mongodb_database" json:"mongodb_database"`
	PostgresDSN   string `yaml:"postgres_dsn" json:"postgres_dsn"`
}

// OAuthConfig holds the broker-side settings of the authorization-code flow.
type OAuthConfig struct {
	RedirectURL     string `yaml:"redirect_url" json:"redirect_url"`
	SettingsURL     string `yaml:"settings_url" json:"settings_url"`
	StatePrefix     string `yaml:"state_prefix" json:"state_prefix"`
	TransientTTLSec int    `yaml:"transient_ttl_sec" json:"transient_ttl_sec"`
}

// UserConfig is one management-API user for the config-backed identity provider.
type UserConfig struct {
	ID           int64  `yaml:"id" json:"id"`
	Username     string `yaml:"username" json:"username"`
	Email        string `yaml:"email" json:"email"`
	DisplayName  string `yaml:"display_name" json:"display_name"`
	PasswordHash string `yaml:"password_hash" json:"password_hash"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8788,
			RateLimitRPS:      10,
			RateLimitBurst:    20,
			DialTimeoutSec:    10,
			RequestTimeoutSec: 30,
		},
		Security: SecurityConfig{
			TokenTTLHours:    7 * 24,
			NonceLifetimeSec: 86400,
		},
		Storage: StorageConfig{
			Backend: "file",
			BaseDir: "data",
		},
		OAuth: OAuthConfig{
			StatePrefix:     "credbroker",
			TransientTTLSec: 600,
		},
	}
}

// Load reads the YAML config at path (missing file is not an error), applies
// environment overrides, then validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Config file is optional; env can carry everything.
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as late runtime
// failures.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "file", "redis", "mongodb", "postgres", "memory":
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "redis" && c.Storage.RedisAddr == "" {
		return fmt.Errorf("redis backend selected but redis_addr is empty")
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoURI == "" {
		return fmt.Errorf("mongodb backend selected but mongodb_uri is empty")
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres backend selected but postgres_dsn is empty")
	}
	if c.Security.TokenTTLHours <= 0 {
		c.Security.TokenTTLHours = 7 * 24
	}
	if c.OAuth.TransientTTLSec <= 0 {
		c.OAuth.TransientTTLSec = 600
	}
	for i, u := range c.Users {
		if strings.TrimSpace(u.Username) == "" {
			return fmt.Errorf("users[%d]: username is required", i)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("users[%d]: password_hash is required", i)
		}
	}
	return nil
}

// TokenTTL returns the configured lifetime of issued JWTs.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.Security.TokenTTLHours) * time.Hour
}

// TransientTTL returns the lifetime of the pending OAuth transient slot.
func (c *Config) TransientTTL() time.Duration {
	return time.Duration(c.OAuth.TransientTTLSec) * time.Second
}

// NonceLifetime returns the nonce tick lifetime window.
func (c *Config) NonceLifetime() time.Duration {
	if c.Security.NonceLifetimeSec <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(c.Security.NonceLifetimeSec) * time.Second
}
