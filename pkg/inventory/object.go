// Package inventory provides readers for AWS S3 Inventory files.
package inventory

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Object is a single object listed by an S3 inventory file.
// CSV and Parquet readers both produce this representation.
type Object struct {
	// Bucket is the source bucket name. May be empty when the inventory
	// does not carry it; callers fill it from the manifest.
	Bucket string

	// Key is the S3 object key.
	Key string

	// Size is the object size in bytes.
	Size uint64

	// StorageClass is the S3 storage class (e.g., "STANDARD", "GLACIER").
	StorageClass string

	// AccessTier is the Intelligent-Tiering access tier (e.g., "ARCHIVE_ACCESS").
	AccessTier string

	// LastModified is the object's last modification time. Zero when absent.
	LastModified time.Time
}

// Tier returns the normalized storage tier of the object.
func (o Object) Tier() string {
	return Tier(o.StorageClass, o.AccessTier)
}

// TopPrefix returns the first path segment of the key, or "" for keys at
// the bucket root.
func (o Object) TopPrefix() string {
	i := strings.IndexByte(o.Key, '/')
	if i < 0 {
		return ""
	}
	return o.Key[:i]
}

// Extension returns the lower-cased extension of the key's last segment
// without the dot, or "".
func (o Object) Extension() string {
	base := o.Key[strings.LastIndexByte(o.Key, '/')+1:]
	i := strings.LastIndexByte(base, '.')
	if i <= 0 || i == len(base)-1 {
		return ""
	}
	return strings.ToLower(base[i+1:])
}

// Depth returns the number of '/' separators in the key.
func (o Object) Depth() int {
	return strings.Count(o.Key, "/")
}

// Reader is the interface for reading S3 inventory files.
type Reader interface {
	// Next returns the next object.
	// Returns io.EOF when all rows have been read.
	Next() (Object, error)

	// Close releases resources associated with the reader.
	Close() error
}

// Format identifies the inventory file format.
type Format string

// Supported inventory formats.
const (
	FormatCSV     Format = "CSV"
	FormatParquet Format = "Parquet"
)

// FormatFromKey picks a format from an object key or file name.
func FormatFromKey(key string) Format {
	if strings.HasSuffix(strings.ToLower(key), ".parquet") {
		return FormatParquet
	}
	return FormatCSV
}

// OpenStream opens a reader over an inventory data stream. CSV streams use
// cols; gzip is detected from the key. Parquet streams are buffered to a
// temp file and their columns detected from the schema.
func OpenStream(r io.ReadCloser, key string, format Format, cols CSVColumns) (Reader, error) {
	switch format {
	case FormatParquet:
		return NewParquetReaderFromStream(r)
	case FormatCSV, "":
		return NewCSVReaderFromStream(r, key, cols)
	default:
		r.Close()
		return nil, fmt.Errorf("unsupported inventory format %q", format)
	}
}

// OpenFile opens a local inventory file, choosing the format by extension.
func OpenFile(path string, cols CSVColumns) (Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open inventory file: %w", err)
	}
	if FormatFromKey(path) == FormatParquet {
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("stat inventory file: %w", err)
		}
		return newParquetFileReader(f, info.Size())
	}
	return NewCSVReaderFromStream(f, path, cols)
}
