// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all Viewport server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Public base URL used when building locally signed file URLs
	PublicBaseURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Database
	DatabaseURL string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// Storage backend ("local" or "s3", default: "local")
	StorageBackend   string
	LocalStoragePath string
	URLSigningSecret string

	// Auth
	JWTSecret string

	// OIDC (optional alternate token issuer)
	OIDCIssuerURL string
	OIDCClientID  string

	// Redemption
	CodeLength        int
	MaxFileBytes      int64
	SignedURLTTL      time.Duration
	PinAttemptsPerMin int

	// TLS (optional — if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:   envOr("METRICS_ADDR", ":9090"),
		PublicBaseURL: envOr("PUBLIC_BASE_URL", "http://localhost:8080"),
		LogLevel:      envOr("LOG_LEVEL", "info"),
		LogFormat:     envOr("LOG_FORMAT", "json"),
		DatabaseURL:   envOr("DATABASE_URL", ""),
		S3Endpoint:    envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:      envOr("S3_BUCKET", "viewport"),
		S3AccessKey:   envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:   envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:      envOr("S3_REGION", "us-east-1"),
		S3UseSSL:      envBool("S3_USE_SSL", false),

		StorageBackend:   envOr("STORAGE_BACKEND", "local"),
		LocalStoragePath: envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		URLSigningSecret: envOr("URL_SIGNING_SECRET", ""),

		JWTSecret:     envOr("JWT_SECRET", ""),
		OIDCIssuerURL: envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:  envOr("OIDC_CLIENT_ID", ""),

		CodeLength:        envInt("CODE_LENGTH", 6),
		MaxFileBytes:      envInt64("MAX_FILE_BYTES", 50*1024*1024), // 50MB default
		SignedURLTTL:      envDuration("SIGNED_URL_TTL", 10*time.Minute),
		PinAttemptsPerMin: envInt("PIN_ATTEMPTS_PER_MINUTE", 10),

		TLSCertFile: envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:  envOr("TLS_KEY_FILE", ""),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.StorageBackend == "local" && cfg.URLSigningSecret == "" {
		return nil, fmt.Errorf("URL_SIGNING_SECRET is required for the local storage backend")
	}
	if cfg.SignedURLTTL < time.Minute || cfg.SignedURLTTL > 10*time.Minute {
		// Signed URLs are the exposure window for redeemed content; keep it bounded.
		return nil, fmt.Errorf("SIGNED_URL_TTL must be between 1m and 10m, got %s", cfg.SignedURLTTL)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
