package config

import (
	"os"
	"strconv"
	"strings"
)

// Environment overrides use the CREDBROKER_ prefix and win over file values.
func applyEnv(cfg *Config) {
	setInt(&cfg.Server.Port, "CREDBROKER_PORT")
	setBool(&cfg.Server.Debug, "CREDBROKER_DEBUG")
	setString(&cfg.Server.LogFile, "CREDBROKER_LOG_FILE")
	setString(&cfg.Server.SiteURL, "CREDBROKER_SITE_URL")
	setString(&cfg.Server.ProxyURL, "CREDBROKER_PROXY_URL")
	setBool(&cfg.Server.RateLimitEnabled, "CREDBROKER_RATE_LIMIT_ENABLED")
	setInt(&cfg.Server.RateLimitRPS, "CREDBROKER_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "CREDBROKER_RATE_LIMIT_BURST")
	setInt(&cfg.Server.RequestTimeoutSec, "CREDBROKER_REQUEST_TIMEOUT_SEC")

	setString(&cfg.Security.JWTSecret, "CREDBROKER_JWT_SECRET")
	setInt(&cfg.Security.TokenTTLHours, "CREDBROKER_TOKEN_TTL_HOURS")
	setBool(&cfg.Security.WhitelistEnabled, "CREDBROKER_ORIGIN_WHITELIST")

	setString(&cfg.Storage.Backend, "CREDBROKER_STORAGE_BACKEND")
	setString(&cfg.Storage.BaseDir, "CREDBROKER_STORAGE_BASE_DIR")
	setString(&cfg.Storage.RedisAddr, "CREDBROKER_REDIS_ADDR")
	setString(&cfg.Storage.RedisPassword, "CREDBROKER_REDIS_PASSWORD")
	setInt(&cfg.Storage.RedisDB, "CREDBROKER_REDIS_DB")
	setString(&cfg.Storage.RedisPrefix, "CREDBROKER_REDIS_PREFIX")
	setString(&cfg.Storage.MongoURI, "CREDBROKER_MONGODB_URI")
	setString(&cfg.Storage.MongoDatabase, "CREDBROKER_MONGODB_DATABASE")
	setString(&cfg.Storage.PostgresDSN, "CREDBROKER_POSTGRES_DSN")

	setString(&cfg.OAuth.RedirectURL, "CREDBROKER_OAUTH_REDIRECT_URL")
	setString(&cfg.OAuth.SettingsURL, "CREDBROKER_OAUTH_SETTINGS_URL")
	setString(&cfg.OAuth.StatePrefix, "CREDBROKER_OAUTH_STATE_PREFIX")
	setInt(&cfg.OAuth.TransientTTLSec, "CREDBROKER_OAUTH_TRANSIENT_TTL_SEC")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
}
