// Package sqlitedb opens the SQLite database shared by the source store, the
// destination store and the job state store.
package sqlitedb

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eunmann/s3-inv-pivot/pkg/logging"
)

// Config holds configuration for the SQLite database.
type Config struct {
	// Path is the path to the SQLite database file.
	Path string
	// Synchronous sets the SQLite synchronous pragma.
	// "NORMAL" is the default (good balance of safety and speed).
	// "OFF" for maximum speed (unsafe on crash).
	// "FULL" for maximum safety.
	Synchronous string
	// MmapSize is the mmap size in bytes.
	MmapSize int64
	// CacheSizeKB is the page cache size in KB.
	CacheSizeKB int
	// BusyTimeoutMs bounds how long a writer waits on a locked database.
	BusyTimeoutMs int
}

// DefaultConfig returns a default configuration tuned for performance.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		Synchronous:   "NORMAL",
		MmapSize:      268435456, // 256MB
		CacheSizeKB:   65536,     // 64MB
		BusyTimeoutMs: 5000,
	}
}

// Validate checks configuration values and returns an error for invalid settings.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("database path is required")
	}
	switch c.Synchronous {
	case "", "OFF", "NORMAL", "FULL":
	default:
		return fmt.Errorf("invalid Synchronous value %q: must be OFF, NORMAL, or FULL", c.Synchronous)
	}
	if c.MmapSize < 0 {
		return fmt.Errorf("MmapSize must be non-negative, got %d", c.MmapSize)
	}
	if c.CacheSizeKB < 0 {
		return fmt.Errorf("CacheSizeKB must be non-negative, got %d", c.CacheSizeKB)
	}
	if c.BusyTimeoutMs < 0 {
		return fmt.Errorf("BusyTimeoutMs must be non-negative, got %d", c.BusyTimeoutMs)
	}
	return nil
}

// Open opens (creating if needed) the database and applies pragmas.
func Open(cfg Config) (*sql.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Synchronous == "" {
		cfg.Synchronous = "NORMAL"
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", cfg.Path, cfg.BusyTimeoutMs)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA synchronous=%s", cfg.Synchronous),
		"PRAGMA temp_store=MEMORY",
		fmt.Sprintf("PRAGMA mmap_size=%d", cfg.MmapSize),
		fmt.Sprintf("PRAGMA cache_size=-%d", cfg.CacheSizeKB),
	}
	// Pragmas are per connection; a single writer connection keeps them in
	// effect and serializes writes.
	db.SetMaxOpenConns(1)
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute pragma %q: %w", pragma, err)
		}
	}

	log := logging.WithPhase("sqlite_open")
	log.Debug().
		Str("db_path", cfg.Path).
		Str("synchronous", cfg.Synchronous).
		Msg("opened SQLite database")

	return db, nil
}
