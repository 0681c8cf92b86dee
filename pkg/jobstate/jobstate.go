// Package jobstate persists each job's checkpoint and stats as flat
// field/value rows keyed by job id.
package jobstate

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/eunmann/s3-inv-pivot/pkg/indexer"
)

// Store implements indexer.StateStore on SQLite.
type Store struct {
	db *sql.DB
}

var _ indexer.StateStore = (*Store)(nil)

// New creates the job_state table if needed.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS job_state (
			job_id TEXT NOT NULL,
			field TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (job_id, field)
		)`)
	if err != nil {
		return nil, fmt.Errorf("create job_state table: %w", err)
	}
	return &Store{db: db}, nil
}

// Save replaces the job's persisted state in one transaction.
func (s *Store) Save(ctx context.Context, jobID string, st indexer.Persisted) error {
	fields, err := st.Flatten()
	if err != nil {
		return fmt.Errorf("flatten state for %s: %w", jobID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM job_state WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("clear state for %s: %w", jobID, err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT INTO job_state (job_id, field, value) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()
	for field, v := range fields {
		if _, err := stmt.ExecContext(ctx, jobID, field, v); err != nil {
			return fmt.Errorf("save %s.%s: %w", jobID, field, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load returns the job's persisted state; ok is false when none was saved.
func (s *Store) Load(ctx context.Context, jobID string) (indexer.Persisted, bool, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT field, value FROM job_state WHERE job_id = ?", jobID)
	if err != nil {
		return indexer.Persisted{}, false, fmt.Errorf("query state for %s: %w", jobID, err)
	}
	defer rows.Close()

	fields := make(map[string]string)
	for rows.Next() {
		var field, v string
		if err := rows.Scan(&field, &v); err != nil {
			return indexer.Persisted{}, false, fmt.Errorf("scan state for %s: %w", jobID, err)
		}
		fields[field] = v
	}
	if err := rows.Err(); err != nil {
		return indexer.Persisted{}, false, fmt.Errorf("iterate state for %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return indexer.Persisted{}, false, nil
	}
	st, err := indexer.UnflattenPersisted(fields)
	if err != nil {
		return indexer.Persisted{}, false, fmt.Errorf("decode state for %s: %w", jobID, err)
	}
	return st, true, nil
}

// List returns the ids of all jobs with saved state, sorted.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT job_id FROM job_state ORDER BY job_id")
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the job's saved state, so its next run starts from the
// beginning.
func (s *Store) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM job_state WHERE job_id = ?", jobID); err != nil {
		return fmt.Errorf("delete state for %s: %w", jobID, err)
	}
	return nil
}
