package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8788, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, "credbroker", cfg.OAuth.StatePrefix)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenTTL())
	assert.Equal(t, 10*time.Minute, cfg.TransientTTL())
	assert.Equal(t, 24*time.Hour, cfg.NonceLifetime())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8788, cfg.Server.Port)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9001
  site_url: https://broker.example
security:
  jwt_secret: file-secret
  token_ttl_hours: 12
storage:
  backend: memory
oauth:
  state_prefix: brk
users:
  - id: 3
    username: root
    password_hash: "$2a$04$notarealhashbutpresent0000000000000000000000000000000"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Server.Port)
	assert.Equal(t, "https://broker.example", cfg.Server.SiteURL)
	assert.Equal(t, "file-secret", cfg.Security.JWTSecret)
	assert.Equal(t, 12*time.Hour, cfg.TokenTTL())
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, "brk", cfg.OAuth.StatePrefix)
	require.Len(t, cfg.Users, 1)
	assert.Equal(t, int64(3), cfg.Users[0].ID)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o600))

	t.Setenv("CREDBROKER_PORT", "9100")
	t.Setenv("CREDBROKER_JWT_SECRET", "env-secret")
	t.Setenv("CREDBROKER_DEBUG", "yes")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "env-secret", cfg.Security.JWTSecret)
	assert.True(t, cfg.Server.Debug)
}

func TestEnvBlankValueIgnored(t *testing.T) {
	t.Setenv("CREDBROKER_SITE_URL", "   ")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Server.SiteURL)
}

func TestValidate(t *testing.T) {
	t.Run("bad port", func(t *testing.T) {
		cfg := Default()
		cfg.Server.Port = 0
		assert.Error(t, cfg.Validate())
	})

	t.Run("unknown storage backend", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Backend = "etcd"
		assert.Error(t, cfg.Validate())
	})

	t.Run("redis requires addr", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Backend = "redis"
		assert.Error(t, cfg.Validate())
		cfg.Storage.RedisAddr = "localhost:6379"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("user without password hash", func(t *testing.T) {
		cfg := Default()
		cfg.Users = []UserConfig{{Username: "alice"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("ttl floor applied", func(t *testing.T) {
		cfg := Default()
		cfg.Security.TokenTTLHours = -1
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 7*24*time.Hour, cfg.TokenTTL())
	})
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9002\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9002, cfg.Server.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not deliver reloaded config")
	}
}

func TestWatcherKeepsPreviousConfigOnBadReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9001\n"), 0o600))

	reloaded := make(chan *Config, 1)
	w := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(path, []byte("server: [broken"), 0o600))

	select {
	case cfg := <-reloaded:
		t.Fatalf("broken config should not reload, got port %d", cfg.Server.Port)
	case <-time.After(500 * time.Millisecond):
	}
}
