// Package sqlsource is the source store: inventory objects loaded into
// SQLite and the grouping query executor that pages through them.
package sqlsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Store holds the objects table and the record of loaded inventory files.
type Store struct {
	db *sql.DB
}

// New creates the schema if needed and returns a store over db.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if err := createSchema(ctx, db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	stmts := []struct{ name, sql string }{
		{"objects table", `
		CREATE TABLE IF NOT EXISTS objects (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			storage_class TEXT,
			access_tier TEXT,
			tier TEXT NOT NULL,
			last_modified INTEGER,
			top_prefix TEXT,
			extension TEXT,
			depth INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (bucket, key)
		)`},
		{"files_done table", `
		CREATE TABLE IF NOT EXISTS files_done (
			file_id TEXT PRIMARY KEY,
			objects INTEGER NOT NULL,
			loaded_at TEXT NOT NULL
		)`},
		{"tier index", `CREATE INDEX IF NOT EXISTS objects_tier ON objects (tier)`},
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s.sql); err != nil {
			return fmt.Errorf("create %s: %w", s.name, err)
		}
	}
	return nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// FileDone returns true if the inventory file has already been loaded.
func (s *Store) FileDone(ctx context.Context, fileID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM files_done WHERE file_id = ?", fileID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check file done: %w", err)
	}
	return true, nil
}

// Summary describes the store contents.
type Summary struct {
	Objects     int64
	Bytes       int64
	FilesLoaded int64
	Buckets     int64
}

// Summary counts objects, bytes, buckets and loaded files.
func (s *Store) Summary(ctx context.Context) (Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size), 0), COUNT(DISTINCT bucket) FROM objects",
	).Scan(&sum.Objects, &sum.Bytes, &sum.Buckets)
	if err != nil {
		return sum, fmt.Errorf("summarize objects: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM files_done").Scan(&sum.FilesLoaded); err != nil {
		return sum, fmt.Errorf("count loaded files: %w", err)
	}
	return sum, nil
}

// TierUsage is the object count and byte total of one storage tier.
type TierUsage struct {
	Tier    string
	Objects int64
	Bytes   int64
}

// TierUsage totals objects and bytes per tier, ordered by tier.
func (s *Store) TierUsage(ctx context.Context) ([]TierUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tier, COUNT(*), COALESCE(SUM(size), 0) FROM objects GROUP BY tier ORDER BY tier")
	if err != nil {
		return nil, fmt.Errorf("query tier usage: %w", err)
	}
	defer rows.Close()

	var usage []TierUsage
	for rows.Next() {
		var u TierUsage
		if err := rows.Scan(&u.Tier, &u.Objects, &u.Bytes); err != nil {
			return nil, fmt.Errorf("scan tier usage: %w", err)
		}
		usage = append(usage, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tier usage: %w", err)
	}
	return usage, nil
}

// Reset removes every object and loaded-file record.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, table := range []string{"objects", "files_done"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func markFileDone(ctx context.Context, tx *sql.Tx, fileID string, objects int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO files_done (file_id, objects, loaded_at) VALUES (?, ?, ?)
		ON CONFLICT(file_id) DO UPDATE SET objects = excluded.objects, loaded_at = excluded.loaded_at`,
		fileID, objects, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("mark file done %s: %w", fileID, err)
	}
	return nil
}
