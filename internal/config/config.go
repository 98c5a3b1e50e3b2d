// Package config loads settings for the server and the CLI from environment
// variables. Defaults are applied for unset values and everything is
// validated up front so misconfiguration fails at startup.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds the reference server configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Upload   UploadConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Storage  StorageConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `env:"SERVER_PORT" default:"8080"`

	ReadTimeout     time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout     time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required).
	// Both DATABASE_URL and DB_URL are accepted.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL" required:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// UploadConfig holds file upload settings.
type UploadConfig struct {
	// MaxFileSize is the maximum allowed file size in bytes (default: 100MB)
	MaxFileSize int64 `env:"UPLOAD_MAX_FILE_SIZE" default:"104857600"`

	// MaxConcurrent is the maximum number of parallel uploads (default: 5)
	MaxConcurrent int `env:"UPLOAD_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an upload slot (default: 30s)
	MaxWaitTime time.Duration `env:"UPLOAD_MAX_WAIT_TIME" default:"30s"`

	// BannedExtensions replaces the default executable deny list when set.
	BannedExtensions []string `env:"BANNED_EXTENSIONS"`
}

// RateLimitConfig holds per-client token bucket settings.
type RateLimitConfig struct {
	Enabled           bool    `env:"RATE_LIMIT_ENABLED" default:"true"`
	RequestsPerSecond float64 `env:"RATE_LIMIT_REQUESTS_PER_SECOND" default:"50"`
	Burst             int     `env:"RATE_LIMIT_BURST" default:"100"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	RequireAPIKey bool     `env:"REQUIRE_API_KEY" default:"false"`
	APIKeys       []string `env:"API_KEYS"`
}

// StorageConfig selects where uploaded files are kept.
type StorageConfig struct {
	// Backend is "local" or "s3" (default: local)
	Backend string `env:"STORAGE_BACKEND" default:"local"`
	Dir     string `env:"STORAGE_DIR" default:"./data/files"`

	S3Endpoint string `env:"S3_ENDPOINT"`
	S3Region   string `env:"S3_REGION" default:"us-east-1"`
	S3Bucket   string `env:"S3_BUCKET"`
	S3KeyID    string `env:"S3_KEY_ID"`
	S3Secret   string `env:"S3_SECRET"`

	// PublicBaseURL is the URL prefix returned for stored files. For the
	// local backend it defaults to http://<host>:<port>/files.
	PublicBaseURL string `env:"PUBLIC_BASE_URL"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// CLIConfig holds csvsync client settings. Flags override these values.
type CLIConfig struct {
	RemoteURL string `env:"CSVSYNC_REMOTE_URL" default:"http://localhost:8080"`
	Token     string `env:"CSVSYNC_TOKEN"`

	MaxThreads     int           `env:"CSVSYNC_MAX_THREADS" default:"5"`
	RetryAttempts  int           `env:"CSVSYNC_RETRY_ATTEMPTS" default:"5"`
	RetryBaseDelay time.Duration `env:"CSVSYNC_RETRY_BASE_DELAY" default:"500ms"`
	RequestTimeout time.Duration `env:"CSVSYNC_REQUEST_TIMEOUT" default:"30s"`

	// RateLimit caps requests per second against the server.
	RateLimit float64 `env:"CSVSYNC_RATE_LIMIT" default:"10"`

	BannedExtensions []string `env:"CSVSYNC_BANNED_EXTENSIONS"`

	Logging LoggingConfig
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
