// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthConfig holds token and lockout settings.
type AuthConfig struct {
	AccessSecret      string        // HS256 secret for access tokens
	RefreshSecret     string        // HS256 secret for refresh tokens (must differ from AccessSecret)
	Issuer            string        // iss claim
	AccessTTL         time.Duration // default 15m
	RefreshTTL        time.Duration // default 7d
	MaxFailedAttempts int           // default 5
	LockoutDuration   time.Duration // default 15m
}

// AuditConfig controls the audit pipeline's background persistence and scoring.
type AuditConfig struct {
	QueueSize        int           // buffered entries awaiting persistence (default 1024)
	Workers          int           // persistence goroutines (default 4)
	WriteTimeout     time.Duration // per-write storage timeout (default 2s)
	AlertThreshold   int           // alert when risk score exceeds this (default 7)
	RateLimitLowMark int           // X-RateLimit-Remaining below this adds risk (default 10)
}

// Config is the full runtime configuration for cmd/api.
type Config struct {
	Env        string // "development" (default) or "production"
	ListenAddr string // HTTP listen address (default ":8080")
	GRPCAddr   string // gRPC listen address (default ":9090", empty disables)

	PGDSN    string // Postgres DSN for audit and credential storage (optional)
	RedisURL string // redis:// URL for shared token/lockout state (optional)

	KafkaBrokers []string // alert publisher brokers (optional)
	KafkaTopic   string   // alert topic (default "security-alerts")

	RateLimitRPS   float64 // sustained requests per second per client (default 50)
	RateLimitBurst int     // burst capacity (default 100)

	CORSAllowedOrigins []string

	Auth  AuthConfig
	Audit AuditConfig

	// Warnings collects non-fatal issues found while loading.
	Warnings []string
}

const insecureDevSecret = "tradeguard-dev-secret-change-me"

// IsProduction reports whether the service runs with production safeguards.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv reads TRADEGUARD_* variables and applies defaults.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		Env:        os.Getenv("TRADEGUARD_ENV"),
		ListenAddr: os.Getenv("TRADEGUARD_LISTEN_ADDR"),
		GRPCAddr:   envDefault("TRADEGUARD_GRPC_ADDR", ":9090"),
		PGDSN:      os.Getenv("TRADEGUARD_PG_DSN"),
		RedisURL:   os.Getenv("TRADEGUARD_REDIS_URL"),
		KafkaTopic: envDefault("TRADEGUARD_KAFKA_TOPIC", "security-alerts"),
		Auth: AuthConfig{
			AccessSecret:  os.Getenv("TRADEGUARD_ACCESS_SECRET"),
			RefreshSecret: os.Getenv("TRADEGUARD_REFRESH_SECRET"),
			Issuer:        envDefault("TRADEGUARD_ISSUER", "tradeguard"),
		},
	}
	if v := os.Getenv("TRADEGUARD_KAFKA_BROKERS"); v != "" {
		cfg.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("TRADEGUARD_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitList(v)
	}

	var err error
	if cfg.RateLimitRPS, err = envFloat("TRADEGUARD_RATE_LIMIT_RPS", 50); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = envInt("TRADEGUARD_RATE_LIMIT_BURST", 100); err != nil {
		return nil, err
	}
	if cfg.Auth.AccessTTL, err = envDuration("TRADEGUARD_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Auth.RefreshTTL, err = envDuration("TRADEGUARD_REFRESH_TTL", 7*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.Auth.MaxFailedAttempts, err = envInt("TRADEGUARD_MAX_FAILED_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.Auth.LockoutDuration, err = envDuration("TRADEGUARD_LOCKOUT_DURATION", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.Audit.QueueSize, err = envInt("TRADEGUARD_AUDIT_QUEUE_SIZE", 1024); err != nil {
		return nil, err
	}
	if cfg.Audit.Workers, err = envInt("TRADEGUARD_AUDIT_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.Audit.WriteTimeout, err = envDuration("TRADEGUARD_AUDIT_WRITE_TIMEOUT", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.Audit.AlertThreshold, err = envInt("TRADEGUARD_ALERT_THRESHOLD", 7); err != nil {
		return nil, err
	}
	if cfg.Audit.RateLimitLowMark, err = envInt("TRADEGUARD_RATE_LIMIT_LOW_MARK", 10); err != nil {
		return nil, err
	}

	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"http://localhost:3000"}
	}
	if cfg.Auth.AccessSecret == "" {
		cfg.Auth.AccessSecret = insecureDevSecret + "-access"
		cfg.Warnings = append(cfg.Warnings, "TRADEGUARD_ACCESS_SECRET not set - using insecure development secret")
	}
	if cfg.Auth.RefreshSecret == "" {
		cfg.Auth.RefreshSecret = insecureDevSecret + "-refresh"
		cfg.Warnings = append(cfg.Warnings, "TRADEGUARD_REFRESH_SECRET not set - using insecure development secret")
	}
	if cfg.PGDSN == "" {
		cfg.Warnings = append(cfg.Warnings, "TRADEGUARD_PG_DSN not set - audit entries are kept in memory only")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks internal consistency; production refuses insecure defaults.
func (c *Config) Validate() error {
	if c.Auth.AccessSecret == c.Auth.RefreshSecret {
		return fmt.Errorf("access and refresh secrets must differ")
	}
	if c.Auth.MaxFailedAttempts < 1 {
		return fmt.Errorf("TRADEGUARD_MAX_FAILED_ATTEMPTS must be at least 1")
	}
	if c.Audit.Workers < 1 || c.Audit.QueueSize < 1 {
		return fmt.Errorf("audit workers and queue size must be positive")
	}
	if c.IsProduction() {
		if strings.HasPrefix(c.Auth.AccessSecret, insecureDevSecret) || strings.HasPrefix(c.Auth.RefreshSecret, insecureDevSecret) {
			return fmt.Errorf("token secrets must be set in production (TRADEGUARD_ENV=production)")
		}
		if c.PGDSN == "" {
			return fmt.Errorf("TRADEGUARD_PG_DSN is required in production")
		}
	}
	return nil
}

func envDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
