// Package database opens the SQLite store shared by the function and
// invocation tables.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/database/migrations"
	"github.com/watzon/forge/internal/metrics"
)

// DB is a migrated connection pool.
type DB struct {
	*sql.DB
	wal       bool
	closeOnce sync.Once
	closeErr  error
}

// Open creates the parent directory if needed, opens the pool with the
// configured pragmas and applies pending migrations.
func Open(cfg *config.DatabaseConfig) (*DB, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx := context.Background()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("connecting to %s: %w", cfg.Path, err)
	}
	if err := migrations.Run(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &DB{DB: sqlDB, wal: cfg.WALMode}, nil
}

// dsn encodes the pragmas as _pragma parameters so the driver applies them
// to every connection in the pool.
func dsn(cfg *config.DatabaseConfig) string {
	pragmas := []string{
		fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()),
		"temp_store(memory)",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	if cfg.ForeignKeys {
		pragmas = append(pragmas, "foreign_keys(1)")
	}
	if cfg.CacheSize != 0 {
		pragmas = append(pragmas, fmt.Sprintf("cache_size(%d)", cfg.CacheSize))
	}

	q := url.Values{"_pragma": pragmas}
	sep := "?"
	if strings.Contains(cfg.Path, "?") {
		sep = "&"
	}
	return cfg.Path + sep + q.Encode()
}

// Close checkpoints the WAL and closes the pool. It is safe to call more
// than once.
func (db *DB) Close() error {
	db.closeOnce.Do(func() {
		if db.wal {
			_, _ = db.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		}
		db.closeErr = db.DB.Close()
	})
	return db.closeErr
}

func (db *DB) Ping(ctx context.Context) error {
	return db.DB.PingContext(ctx)
}

// Tx is a transaction opened by Transaction.
type Tx struct {
	*sql.Tx
}

// Transaction runs fn in a transaction, committing when fn returns nil and
// rolling back on error or panic.
func (db *DB) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&Tx{Tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	committed = true
	return nil
}

// ReportStats publishes the connection pool gauges.
func (db *DB) ReportStats() {
	stats := db.Stats()
	metrics.UpdateDBStats(stats.OpenConnections, stats.InUse, stats.Idle)
}

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// Now returns the current time in the stored layout.
func Now() string {
	return FormatTime(time.Now())
}

// FormatTime renders t the way timestamp columns store it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a stored timestamp. RFC 3339 and SQLite's
// datetime('now') layout are both accepted.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateTime, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
