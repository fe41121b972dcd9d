package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError is one invalid setting, addressed by its config key.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors collects every invalid setting found by Validate.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	lines := make([]string, 0, len(e)+1)
	lines = append(lines, "configuration validation failed:")
	for _, err := range e {
		lines = append(lines, "  - "+err.Error())
	}
	return strings.Join(lines, "\n")
}

var (
	logLevels  = []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}
	logFormats = []string{"json", "console"}
)

type checker struct {
	errs ValidationErrors
}

// require records msg against field unless ok holds.
func (c *checker) require(ok bool, field, msg string) {
	if !ok {
		c.errs = append(c.errs, ValidationError{Field: field, Message: msg})
	}
}

// Validate checks cfg and returns ValidationErrors listing every problem.
func Validate(cfg *Config) error {
	c := &checker{}

	c.server(&cfg.Server)
	c.database(&cfg.Database)
	c.engine(&cfg.Engine)
	c.recorder(&cfg.Recorder)
	c.storage(&cfg.Storage)
	c.watch(&cfg.Watch)
	c.logging(&cfg.Logging)

	if len(c.errs) > 0 {
		return c.errs
	}
	return nil
}

func (c *checker) server(s *ServerConfig) {
	c.require(s.Port >= 1 && s.Port <= 65535, "server.port", "must be between 1 and 65535")
	c.require(s.ReadTimeout >= 0, "server.read_timeout", "must be non-negative")
	c.require(s.WriteTimeout >= 0, "server.write_timeout", "must be non-negative")
	c.require(s.MaxBodySize >= 0, "server.max_body_size", "must be non-negative")

	if s.CORS.Enabled && s.CORS.AllowCredentials {
		c.require(!slices.Contains(s.CORS.AllowedOrigins, "*"), "server.cors",
			`allow_credentials cannot be combined with allowed_origins ["*"]`)
	}

	if s.TLS != nil && s.TLS.Enabled {
		c.require(s.TLS.CertFile != "", "server.tls.cert_file", "required when TLS is enabled")
		c.require(s.TLS.KeyFile != "", "server.tls.key_file", "required when TLS is enabled")
	}
}

func (c *checker) database(d *DatabaseConfig) {
	c.require(d.Path != "", "database.path", "required")
	c.require(d.MaxOpenConns >= 0, "database.max_open_conns", "must be non-negative")
}

func (c *checker) engine(e *EngineConfig) {
	c.require(e.CacheCapacity >= 1, "engine.cache_capacity", "must be at least 1")
	c.require(e.MaxMemoryMB >= 1 && e.MaxMemoryMB <= 4096, "engine.max_memory_mb", "must be between 1 and 4096")

	if e.DefaultMemoryMB < 1 {
		c.require(false, "engine.default_memory_mb", "must be at least 1")
	} else {
		c.require(e.DefaultMemoryMB <= e.MaxMemoryMB, "engine.default_memory_mb", "must not exceed max_memory_mb")
	}

	if e.DefaultTimeout <= 0 {
		c.require(false, "engine.default_timeout", "must be positive")
	} else {
		c.require(e.DefaultTimeout <= e.MaxTimeout, "engine.default_timeout", "must not exceed max_timeout")
	}

	c.require(e.MaxTimeout >= time.Second, "engine.max_timeout", "must be at least 1s")
	c.require(e.MaxOutputBytes >= 1, "engine.max_output_bytes", "must be positive")
	c.require(e.MaxLogBytes >= 0, "engine.max_log_bytes", "must be non-negative")
}

func (c *checker) recorder(r *RecorderConfig) {
	if !r.Enabled {
		return
	}

	c.require(r.QueueSize >= 1, "recorder.queue_size", "must be at least 1")
	c.require(r.Retention >= 0, "recorder.retention", "must be non-negative (0 keeps records forever)")

	if r.Retention > 0 {
		if _, err := cron.ParseStandard(r.CleanupSchedule); err != nil {
			c.require(false, "recorder.cleanup_schedule", fmt.Sprintf("invalid cron expression: %v", err))
		}
	}
}

func (c *checker) storage(s *StorageConfig) {
	if !s.S3.Configured() {
		return
	}
	c.require(s.S3.Region != "", "storage.s3.region", "required")
	c.require(s.S3.AccessKeyID != "", "storage.s3.access_key_id", "required")
	c.require(s.S3.SecretAccessKey != "", "storage.s3.secret_access_key", "required")
}

func (c *checker) watch(w *WatchConfig) {
	if !w.Enabled {
		return
	}
	c.require(w.Path != "", "watch.path", "required when watching is enabled")
	c.require(w.Owner != "", "watch.owner", "required when watching is enabled")
	c.require(w.Debounce >= 0, "watch.debounce", "must be non-negative")
}

func (c *checker) logging(l *LoggingConfig) {
	c.require(slices.Contains(logLevels, l.Level), "logging.level",
		"must be one of: "+strings.Join(logLevels, ", "))
	c.require(slices.Contains(logFormats, l.Format), "logging.format", "must be 'json' or 'console'")
}
