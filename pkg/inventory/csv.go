package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// CSVColumns holds column indices for the CSV reader. A negative index
// marks a column the inventory does not carry.
type CSVColumns struct {
	// Bucket is the column index for the bucket name.
	Bucket int

	// Key is the column index for the object key (required).
	Key int

	// Size is the column index for the object size (required).
	Size int

	// LastModified is the column index for the last-modified timestamp.
	LastModified int

	// StorageClass is the column index for the storage class.
	StorageClass int

	// AccessTier is the column index for the Intelligent-Tiering access tier.
	AccessTier int
}

// DefaultCSVColumns matches an inventory configured with the fields
// Bucket, Key, Size, LastModifiedDate, StorageClass and
// IntelligentTieringAccessTier in that order.
func DefaultCSVColumns() CSVColumns {
	return CSVColumns{Bucket: 0, Key: 1, Size: 2, LastModified: 3, StorageClass: 4, AccessTier: 5}
}

// Validate checks that the required columns are present.
func (c CSVColumns) Validate() error {
	if c.Key < 0 {
		return errors.New("CSV columns missing key index")
	}
	if c.Size < 0 {
		return errors.New("CSV columns missing size index")
	}
	return nil
}

// csvReader reads inventory rows from CSV streams.
type csvReader struct {
	csvReader *csv.Reader
	cols      CSVColumns
	closers   []io.Closer
}

// NewCSVReader creates a CSV inventory reader over raw (already
// decompressed) CSV data.
func NewCSVReader(r io.Reader, cols CSVColumns) Reader {
	return &csvReader{csvReader: newCSV(r), cols: cols}
}

// NewCSVReaderFromStream creates a CSV inventory reader from a stream,
// decompressing gzip when the key ends in .gz.
func NewCSVReaderFromStream(r io.ReadCloser, key string, cols CSVColumns) (Reader, error) {
	if err := cols.Validate(); err != nil {
		r.Close()
		return nil, err
	}
	var reader io.Reader = r
	closers := []io.Closer{r}

	if strings.HasSuffix(strings.ToLower(key), ".gz") {
		gzr, err := gzip.NewReader(r)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		closers = append(closers, gzr)
		reader = gzr
	}

	return &csvReader{csvReader: newCSV(reader), cols: cols, closers: closers}, nil
}

func newCSV(r io.Reader) *csv.Reader {
	csvr := csv.NewReader(r)
	csvr.ReuseRecord = true
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true
	return csvr
}

// Next returns the next object.
func (r *csvReader) Next() (Object, error) {
	for {
		fields, err := r.csvReader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Object{}, io.EOF
			}
			return Object{}, fmt.Errorf("read CSV row: %w", err)
		}

		if len(fields) <= r.cols.Key || len(fields) <= r.cols.Size {
			continue
		}
		key := fields[r.cols.Key]
		if key == "" {
			continue
		}

		size, err := strconv.ParseUint(strings.TrimSpace(fields[r.cols.Size]), 10, 64)
		if err != nil {
			// Delete markers and malformed rows carry no size.
			size = 0
		}

		obj := Object{
			Key:          key,
			Size:         size,
			Bucket:       field(fields, r.cols.Bucket),
			StorageClass: field(fields, r.cols.StorageClass),
			AccessTier:   field(fields, r.cols.AccessTier),
		}
		if s := field(fields, r.cols.LastModified); s != "" {
			if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
				obj.LastModified = t.UTC()
			}
		}
		return obj, nil
	}
}

func field(fields []string, idx int) string {
	if idx < 0 || idx >= len(fields) {
		return ""
	}
	return fields[idx]
}

// Close releases resources.
func (r *csvReader) Close() error {
	var firstErr error
	// Close in reverse order (gzip reader before underlying stream)
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
