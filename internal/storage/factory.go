package storage

import (
	"fmt"
	"strings"

	"credbroker-go/internal/config"
)

// Open constructs the store selected by configuration. The caller must run
// Initialize before use and Close on shutdown.
func Open(cfg *config.Config) (Store, error) {
	switch strings.ToLower(cfg.Storage.Backend) {
	case "", "file":
		return NewFileStore(cfg.Storage.BaseDir), nil
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword,
			cfg.Storage.RedisDB, cfg.Storage.RedisPrefix), nil
	case "mongodb":
		return NewMongoStore(cfg.Storage.MongoURI, cfg.Storage.MongoDatabase), nil
	case "postgres":
		return NewPostgresStore(cfg.Storage.PostgresDSN), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}
}
