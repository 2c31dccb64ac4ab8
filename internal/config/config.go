// Package config loads runtime configuration from AGRIMAP_* environment
// variables. Every knob has a default so a bare `agrimap-api` starts with
// in-process rate limiting and presence, no redis, and rotation enabled.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	ListenAddr string

	// Postgres DSN. Empty disables the DB (readyz still passes).
	PGDSN string

	// Redis address. Empty keeps the local limiter/presence strategies.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	JWTIssuer string
	AccessTTL time.Duration

	RefreshTTL      time.Duration
	RotateOnRefresh bool
	ReplayCascade   bool
	RequireDeviceID bool

	IPBinding     bool
	UABinding     bool
	UABindingMode string

	SingleDevice       bool
	SingleDevicePolicy string

	LoginRateMax      int
	LoginRateWindow   time.Duration
	RefreshRateMax    int
	RefreshRateWindow time.Duration

	PresenceWindow time.Duration

	AuditBuffer int
}

// Load reads the environment. It only fails on values that parse to nonsense;
// a missing variable always falls back to its default.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:         envStr("AGRIMAP_LISTEN_ADDR", ":8080"),
		PGDSN:              envStr("AGRIMAP_PG_DSN", ""),
		RedisAddr:          envStr("AGRIMAP_REDIS_ADDR", ""),
		RedisPassword:      envStr("AGRIMAP_REDIS_PASSWORD", ""),
		JWTSecret:          envStr("AGRIMAP_JWT_SECRET", ""),
		JWTIssuer:          envStr("AGRIMAP_JWT_ISSUER", "agrimap"),
		UABindingMode:      envStr("AGRIMAP_UA_BINDING_MODE", "lenient"),
		SingleDevicePolicy: envStr("AGRIMAP_SINGLE_DEVICE_POLICY", "REVOKE_OLD"),
	}

	var err error
	if cfg.RedisDB, err = envInt("AGRIMAP_REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.AccessTTL, err = envDuration("AGRIMAP_ACCESS_TTL", 15*time.Minute); err != nil {
		return cfg, err
	}
	if cfg.RefreshTTL, err = envDuration("AGRIMAP_REFRESH_TTL", 24*time.Hour); err != nil {
		return cfg, err
	}
	if cfg.RotateOnRefresh, err = envBool("AGRIMAP_ROTATE_REFRESH", true); err != nil {
		return cfg, err
	}
	if cfg.ReplayCascade, err = envBool("AGRIMAP_REPLAY_CASCADE", true); err != nil {
		return cfg, err
	}
	if cfg.RequireDeviceID, err = envBool("AGRIMAP_REQUIRE_DEVICE_ID", false); err != nil {
		return cfg, err
	}
	if cfg.IPBinding, err = envBool("AGRIMAP_IP_BINDING", false); err != nil {
		return cfg, err
	}
	if cfg.UABinding, err = envBool("AGRIMAP_UA_BINDING", false); err != nil {
		return cfg, err
	}
	if cfg.SingleDevice, err = envBool("AGRIMAP_SINGLE_DEVICE", false); err != nil {
		return cfg, err
	}
	if cfg.LoginRateMax, err = envInt("AGRIMAP_LOGIN_RATE_MAX", 10); err != nil {
		return cfg, err
	}
	if cfg.LoginRateWindow, err = envDuration("AGRIMAP_LOGIN_RATE_WINDOW", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.RefreshRateMax, err = envInt("AGRIMAP_REFRESH_RATE_MAX", 30); err != nil {
		return cfg, err
	}
	if cfg.RefreshRateWindow, err = envDuration("AGRIMAP_REFRESH_RATE_WINDOW", time.Minute); err != nil {
		return cfg, err
	}
	if cfg.PresenceWindow, err = envDuration("AGRIMAP_PRESENCE_WINDOW", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.AuditBuffer, err = envInt("AGRIMAP_AUDIT_BUFFER", 1024); err != nil {
		return cfg, err
	}

	switch cfg.UABindingMode {
	case "strict", "lenient":
	default:
		return cfg, fmt.Errorf("config: AGRIMAP_UA_BINDING_MODE must be strict or lenient, got %q", cfg.UABindingMode)
	}
	switch cfg.SingleDevicePolicy {
	case "REVOKE_OLD", "REJECT_NEW":
	default:
		return cfg, fmt.Errorf("config: AGRIMAP_SINGLE_DEVICE_POLICY must be REVOKE_OLD or REJECT_NEW, got %q", cfg.SingleDevicePolicy)
	}

	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
