package sqlitedb

import (
	"path/filepath"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty path", func(c *Config) { c.Path = "" }, true},
		{"bad synchronous", func(c *Config) { c.Synchronous = "SOMETIMES" }, true},
		{"negative mmap", func(c *Config) { c.MmapSize = -1 }, true},
		{"negative cache", func(c *Config) { c.CacheSizeKB = -1 }, true},
		{"negative busy timeout", func(c *Config) { c.BusyTimeoutMs = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("x.db")
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpen(t *testing.T) {
	db, err := Open(DefaultConfig(filepath.Join(t.TempDir(), "pivot.db")))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}
