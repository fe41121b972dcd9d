// Package config provides configuration management for forge.
package config

import (
	"strconv"
	"time"
)

// Config is the root configuration structure for forge.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Watch    WatchConfig    `mapstructure:"watch"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind the server to
	Host string `mapstructure:"host"`

	// Port to listen on
	Port int `mapstructure:"port"`

	// Enable CORS
	CORS CORSConfig `mapstructure:"cors"`

	// Request timeout
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// Maximum request body size in bytes
	MaxBodySize int64 `mapstructure:"max_body_size"`

	// TLS configuration (optional)
	TLS *TLSConfig `mapstructure:"tls"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	AllowedMethods   []string      `mapstructure:"allowed_methods"`
	AllowedHeaders   []string      `mapstructure:"allowed_headers"`
	ExposedHeaders   []string      `mapstructure:"exposed_headers"`
	AllowCredentials bool          `mapstructure:"allow_credentials"`
	MaxAge           time.Duration `mapstructure:"max_age"`
}

// TLSConfig holds TLS settings.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// DatabaseConfig holds database settings.
type DatabaseConfig struct {
	// Path to SQLite database file
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Cache size in KB (negative for KB, positive for pages)
	CacheSize int `mapstructure:"cache_size"`

	// Busy timeout in milliseconds
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Enable foreign keys
	ForeignKeys bool `mapstructure:"foreign_keys"`

	// Maximum open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// Maximum idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`

	// Connection max lifetime
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// EngineConfig holds settings for the WebAssembly execution engine and its
// compiled module cache.
type EngineConfig struct {
	// Maximum number of compiled modules kept resident
	CacheCapacity int `mapstructure:"cache_capacity"`

	// Memory limit applied when a function does not declare one
	DefaultMemoryMB int `mapstructure:"default_memory_mb"`

	// Upper bound for any function's memory limit
	MaxMemoryMB int `mapstructure:"max_memory_mb"`

	// Timeout applied when a function does not declare one
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`

	// Upper bound for any function's timeout
	MaxTimeout time.Duration `mapstructure:"max_timeout"`

	// Bytes of stdout kept per invocation
	MaxOutputBytes int `mapstructure:"max_output_bytes"`

	// Bytes of stderr kept per invocation
	MaxLogBytes int `mapstructure:"max_log_bytes"`

	// Directory for wazero's on-disk compilation cache (empty disables it)
	CompilationCacheDir string `mapstructure:"compilation_cache_dir"`

	// Use the interpreter instead of the optimizing compiler
	Interpreter bool `mapstructure:"interpreter"`
}

// RecorderConfig holds invocation history settings.
type RecorderConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Records buffered before new ones are dropped
	QueueSize int `mapstructure:"queue_size"`

	// How long invocation records are kept
	Retention time.Duration `mapstructure:"retention"`

	// Cron expression for the retention sweep
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
}

// StorageConfig holds settings for fetching function code from remote
// object stores.
type StorageConfig struct {
	S3 S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible storage settings.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// Configured reports whether any S3 settings were provided.
func (c S3Config) Configured() bool {
	return c.Region != "" || c.Endpoint != "" || c.AccessKeyID != ""
}

// WatchConfig controls redeploying functions from a directory of manifests.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Path     string        `mapstructure:"path"`
	Owner    string        `mapstructure:"owner"`
	Debounce time.Duration `mapstructure:"debounce"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`

	// Include caller info
	Caller bool `mapstructure:"caller"`

	// Include timestamp
	Timestamp bool `mapstructure:"timestamp"`

	// Output file (empty for stdout)
	Output string `mapstructure:"output"`
}

// Address returns the server address in host:port format.
func (s *ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}
