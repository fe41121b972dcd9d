package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost         = "localhost"
	DefaultPort         = 8090
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Minute
	DefaultIdleTimeout  = 120 * time.Second
	DefaultMaxBodySize  = 10 * 1024 * 1024 // 10MB

	// Database defaults.
	DefaultDBPath       = "forge.db"
	DefaultCacheSize    = -64000 // 64MB
	DefaultBusyTimeout  = 5 * time.Second
	DefaultMaxOpenConns = 1 // SQLite works best with single writer
	DefaultMaxIdleConns = 1

	// Engine defaults.
	DefaultCacheCapacity  = 64
	DefaultMemoryMB       = 128
	DefaultMaxMemoryMB    = 1024
	DefaultTimeout        = 30 * time.Second
	DefaultMaxTimeout     = 5 * time.Minute
	DefaultMaxOutputBytes = 6 * 1024 * 1024
	DefaultMaxLogBytes    = 256 * 1024

	// Recorder defaults.
	DefaultRecorderQueueSize = 1024
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultCleanupSchedule   = "@hourly"

	// Watch defaults.
	DefaultFunctionsPath = "functions"
	DefaultWatchOwner    = "local"
	DefaultDebounce      = 300 * time.Millisecond

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			ReadTimeout:  DefaultReadTimeout,
			WriteTimeout: DefaultWriteTimeout,
			IdleTimeout:  DefaultIdleTimeout,
			MaxBodySize:  DefaultMaxBodySize,
			CORS: CORSConfig{
				Enabled:          true,
				AllowedOrigins:   []string{"*"},
				AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Forge-Owner"},
				ExposedHeaders:   []string{"X-Request-ID", "X-Forge-Invocation-Id"},
				AllowCredentials: false,
				MaxAge:           12 * time.Hour,
			},
		},
		Database: DatabaseConfig{
			Path:            DefaultDBPath,
			WALMode:         true,
			CacheSize:       DefaultCacheSize,
			BusyTimeout:     DefaultBusyTimeout,
			ForeignKeys:     true,
			MaxOpenConns:    DefaultMaxOpenConns,
			MaxIdleConns:    DefaultMaxIdleConns,
			ConnMaxLifetime: 0, // No limit
		},
		Engine: EngineConfig{
			CacheCapacity:   DefaultCacheCapacity,
			DefaultMemoryMB: DefaultMemoryMB,
			MaxMemoryMB:     DefaultMaxMemoryMB,
			DefaultTimeout:  DefaultTimeout,
			MaxTimeout:      DefaultMaxTimeout,
			MaxOutputBytes:  DefaultMaxOutputBytes,
			MaxLogBytes:     DefaultMaxLogBytes,
		},
		Recorder: RecorderConfig{
			Enabled:         true,
			QueueSize:       DefaultRecorderQueueSize,
			Retention:       DefaultRetention,
			CleanupSchedule: DefaultCleanupSchedule,
		},
		Watch: WatchConfig{
			Enabled:  false,
			Path:     DefaultFunctionsPath,
			Owner:    DefaultWatchOwner,
			Debounce: DefaultDebounce,
		},
		Logging: LoggingConfig{
			Level:     DefaultLogLevel,
			Format:    DefaultLogFormat,
			Caller:    false,
			Timestamp: true,
		},
	}
}
