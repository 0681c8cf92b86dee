// Package sqlsink is the destination store: materialized records upserted
// into per-destination SQLite tables by a deterministic document id.
package sqlsink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/eunmann/s3-inv-pivot/pkg/group"
	"github.com/eunmann/s3-inv-pivot/pkg/indexer"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ErrBadDestination is returned for destination names that are not plain
// identifiers.
var ErrBadDestination = errors.New("destination must match [A-Za-z_][A-Za-z0-9_]*")

// ErrMissingKeyField is a per-record failure for records lacking a key field.
var ErrMissingKeyField = errors.New("record is missing a key field")

// Store manages destination tables.
type Store struct {
	db *sql.DB

	mu     sync.Mutex
	tables map[string]bool
}

// New returns a destination store over db.
func New(db *sql.DB) *Store {
	return &Store{db: db, tables: make(map[string]bool)}
}

func (s *Store) ensureTable(ctx context.Context, dest string) error {
	if !tableName.MatchString(dest) {
		return &group.ConfigurationError{Field: "destination", Reason: fmt.Sprintf("%q: %v", dest, ErrBadDestination)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tables[dest] {
		return nil
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			doc_id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`, dest))
	if err != nil {
		return fmt.Errorf("create destination table %s: %w", dest, err)
	}
	s.tables[dest] = true
	return nil
}

// DefaultKeyFields returns the identity fields for records extracted with
// spec: every group source plus the row term of a rows-shaped aggregation.
func DefaultKeyFields(spec group.Spec) []string {
	fields := spec.KeyNames()
	if agg, ok := spec.RowsAggregation(); ok {
		fields = append(fields, agg.Name+"."+group.TermField)
	}
	return fields
}

// DocID computes the document id of a record from its key fields.
func DocID(rec value.Record, keyFields []string) (string, error) {
	var b strings.Builder
	for _, f := range keyFields {
		v, ok := rec[f]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingKeyField, f)
		}
		enc, err := value.EncodeScalar(v)
		if err != nil {
			return "", fmt.Errorf("key field %s: %w", f, err)
		}
		b.WriteString(enc)
		b.WriteByte(0)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String())), nil
}

func encodeDoc(rec value.Record) (string, error) {
	fields := make(map[string]string, len(rec))
	for k, v := range rec {
		enc, err := value.EncodeScalar(v)
		if err != nil {
			return "", fmt.Errorf("field %s: %w", k, err)
		}
		fields[k] = enc
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal document: %w", err)
	}
	return string(data), nil
}

func decodeDoc(doc string) (value.Record, error) {
	var fields map[string]string
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	rec := make(value.Record, len(fields))
	for k, enc := range fields {
		v, err := value.DecodeScalar(enc)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		rec[k] = v
	}
	return rec, nil
}

// Writer upserts records into destination tables. It implements
// indexer.Writer.
type Writer struct {
	store     *Store
	keyFields []string
	now       func() time.Time
}

var _ indexer.Writer = (*Writer)(nil)

// Writer returns a writer identifying records by keyFields.
func (s *Store) Writer(keyFields []string) *Writer {
	return &Writer{store: s, keyFields: append([]string(nil), keyFields...), now: time.Now}
}

// Write upserts records in one transaction. Records that cannot be
// identified or encoded are reported as failures; the rest are written.
func (w *Writer) Write(ctx context.Context, destination string, records []value.Record) (indexer.WriteResult, error) {
	var res indexer.WriteResult
	if err := w.store.ensureTable(ctx, destination); err != nil {
		return res, err
	}

	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (doc_id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`, destination))
	if err != nil {
		return res, fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := w.now().UnixMilli()
	for i, rec := range records {
		id, err := DocID(rec, w.keyFields)
		if err != nil {
			res.Failures = append(res.Failures, indexer.RecordFailure{Index: i, Err: err})
			continue
		}
		doc, err := encodeDoc(rec)
		if err != nil {
			res.Failures = append(res.Failures, indexer.RecordFailure{Index: i, Err: err})
			continue
		}
		if _, err := stmt.ExecContext(ctx, id, doc, now); err != nil {
			return indexer.WriteResult{}, fmt.Errorf("upsert %s into %s: %w", id, destination, err)
		}
		res.Written++
	}
	if err := tx.Commit(); err != nil {
		return indexer.WriteResult{}, fmt.Errorf("commit: %w", err)
	}
	return res, nil
}

// Doc is a stored destination document.
type Doc struct {
	ID        string
	Fields    value.Record
	UpdatedAt time.Time
}

// DocIterator iterates over a destination table in doc id order.
type DocIterator struct {
	rows *sql.Rows
	cur  Doc
	err  error
}

// Docs returns an iterator over every document in destination.
func (s *Store) Docs(ctx context.Context, destination string) (*DocIterator, error) {
	if err := s.ensureTable(ctx, destination); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT doc_id, doc, updated_at FROM %q ORDER BY doc_id", destination))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", destination, err)
	}
	return &DocIterator{rows: rows}, nil
}

// Next advances to the next document.
func (it *DocIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var doc string
	var updated int64
	if err := it.rows.Scan(&it.cur.ID, &doc, &updated); err != nil {
		it.err = fmt.Errorf("scan document: %w", err)
		return false
	}
	fields, err := decodeDoc(doc)
	if err != nil {
		it.err = fmt.Errorf("document %s: %w", it.cur.ID, err)
		return false
	}
	it.cur.Fields = fields
	it.cur.UpdatedAt = time.UnixMilli(updated).UTC()
	return true
}

// Doc returns the current document.
func (it *DocIterator) Doc() Doc { return it.cur }

// Err returns any error encountered during iteration.
func (it *DocIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close closes the iterator.
func (it *DocIterator) Close() error {
	return it.rows.Close()
}

// Count returns the number of documents in destination.
func (s *Store) Count(ctx context.Context, destination string) (int64, error) {
	if err := s.ensureTable(ctx, destination); err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %q", destination)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", destination, err)
	}
	return n, nil
}

// Drop removes a destination table.
func (s *Store) Drop(ctx context.Context, destination string) error {
	if !tableName.MatchString(destination) {
		return &group.ConfigurationError{Field: "destination", Reason: fmt.Sprintf("%q: %v", destination, ErrBadDestination)}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", destination)); err != nil {
		return fmt.Errorf("drop %s: %w", destination, err)
	}
	delete(s.tables, destination)
	return nil
}
