package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	KurrentDB KurrentDBConfig
	Auth      AuthConfig
	Storage   StorageConfig
	Upload    UploadConfig
	TSA       TSAConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// LogLevel is one of debug, info, warn, error
	LogLevel string
	// PublicURL is used to build file_url links in API responses
	PublicURL string
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// IsProduction reports whether the server runs with production settings.
func (s ServerConfig) IsProduction() bool {
	return s.Env == "production"
}

type DatabaseConfig struct {
	// Enabled selects the Postgres ledger; otherwise records live in memory
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KurrentDBConfig holds configuration for the lifecycle event stream.
type KurrentDBConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

type AuthConfig struct {
	// JWTSecret is the HS256 key shared with the identity service
	JWTSecret string
	// Issuer, when set, must match the iss claim
	Issuer string
}

// StorageConfig selects the blob store backend.
type StorageConfig struct {
	// URI is file:///path, s3://bucket/prefix?region=..&endpoint=.. or mem://
	URI         string
	S3AccessKey string
	S3SecretKey string
}

// UploadConfig bounds what the upload path accepts before fingerprinting.
type UploadConfig struct {
	MaxBytes     int64
	AllowedTypes []string
	// RateLimit is uploads per second per client IP, 0 disables
	RateLimit int
	RateBurst int
}

// TSAConfig holds configuration for the Time Stamping Authority.
type TSAConfig struct {
	// URL of the RFC 3161 endpoint. Empty means the embedded authority.
	URL string
	// EmbeddedEnabled serves a local authority on /tsa
	EmbeddedEnabled bool
	// OrgName for self-signed TSA certificate (development)
	OrgName string
	// CertPath for the embedded authority certificate (PEM)
	CertPath string
	// KeyPath for the embedded authority private key (PEM)
	KeyPath string
	// TrustedCertPaths are pinned authority certificates (PEM) used by the verifier
	TrustedCertPaths []string

	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	ClockSkew      time.Duration
}

// WorkerConfig sizes the proof acquisition pool.
type WorkerConfig struct {
	Workers   int
	QueueSize int
	// StaleAfter is how long a proof request may stay in flight before
	// recovery marks it failed
	StaleAfter time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:      getEnvInt("SERVER_PORT", 8080),
			Env:       getEnv("ENV", "development"),
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			PublicURL: getEnv("PUBLIC_URL", "http://localhost:8080"),

			TrustProxyHeaders: getEnvBool("TRUST_PROXY_HEADERS", false),
		},
		Database: DatabaseConfig{
			Enabled:  getEnvBool("DB_ENABLED", true),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "alibi"),
			Password: getEnv("DB_PASSWORD", "alibi"),
			Database: getEnv("DB_NAME", "alibi"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			Issuer:    getEnv("JWT_ISSUER", ""),
		},
		Storage: StorageConfig{
			URI:         getEnv("STORAGE_URI", "file:///tmp/alibi/uploads"),
			S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
			S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		},
		Upload: UploadConfig{
			MaxBytes: getEnvInt64("UPLOAD_MAX_BYTES", 50<<20),
			AllowedTypes: getEnvSlice("UPLOAD_ALLOWED_TYPES", []string{
				"image/*", "video/*", "audio/*", "application/pdf", "text/plain",
				"application/zip", "application/msword",
				"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
			}),
			RateLimit: getEnvInt("UPLOAD_RATE_LIMIT", 5),
			RateBurst: getEnvInt("UPLOAD_RATE_BURST", 10),
		},
		TSA: TSAConfig{
			URL:              getEnv("TSA_URL", ""),
			EmbeddedEnabled:  getEnvBool("TSA_EMBEDDED_ENABLED", true),
			OrgName:          getEnv("TSA_ORG_NAME", "Alibi Development"),
			CertPath:         getEnv("TSA_CERT_PATH", ""),
			KeyPath:          getEnv("TSA_KEY_PATH", ""),
			TrustedCertPaths: getEnvSlice("TSA_TRUSTED_CERTS", nil),
			MaxAttempts:      getEnvInt("TSA_MAX_ATTEMPTS", 5),
			BaseDelay:        getEnvDuration("TSA_BASE_DELAY", time.Second),
			MaxDelay:         getEnvDuration("TSA_MAX_DELAY", 30*time.Second),
			AttemptTimeout:   getEnvDuration("TSA_ATTEMPT_TIMEOUT", 15*time.Second),
			ClockSkew:        getEnvDuration("TSA_CLOCK_SKEW", 5*time.Minute),
		},
		Worker: WorkerConfig{
			Workers:    getEnvInt("PROOF_WORKERS", 4),
			QueueSize:  getEnvInt("PROOF_QUEUE_SIZE", 1024),
			StaleAfter: getEnvDuration("PROOF_STALE_AFTER", 10*time.Minute),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.IsProduction() && c.Auth.JWTSecret == "dev-secret-change-in-prod" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if c.TSA.URL == "" && !c.TSA.EmbeddedEnabled {
		return fmt.Errorf("TSA_URL is required when the embedded authority is disabled")
	}
	if c.TSA.URL != "" && len(c.TSA.TrustedCertPaths) == 0 {
		return fmt.Errorf("TSA_TRUSTED_CERTS is required with an external authority")
	}
	if c.TSA.MaxAttempts < 1 {
		return fmt.Errorf("TSA_MAX_ATTEMPTS must be at least 1")
	}
	if c.Upload.MaxBytes <= 0 {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be positive")
	}
	if c.Worker.Workers < 1 {
		return fmt.Errorf("PROOF_WORKERS must be at least 1")
	}
	// A live request must never look stale to the periodic sweep
	if budget := time.Duration(c.TSA.MaxAttempts) * c.TSA.AttemptTimeout; c.Worker.StaleAfter <= budget {
		return fmt.Errorf("PROOF_STALE_AFTER must exceed the authority request budget of %s", budget)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvSlice parses comma-separated values
func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
