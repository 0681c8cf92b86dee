package inventory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ParquetColumns holds leaf column indices for the Parquet reader.
// A negative index marks a column the schema does not carry.
type ParquetColumns struct {
	Bucket       int
	Key          int
	Size         int
	LastModified int
	StorageClass int
	AccessTier   int
}

// DetectParquetColumns maps the standard S3 inventory Parquet field names
// to column indices.
func DetectParquetColumns(schema *parquet.Schema) (ParquetColumns, error) {
	cols := ParquetColumns{Bucket: -1, Key: -1, Size: -1, LastModified: -1, StorageClass: -1, AccessTier: -1}
	for i, f := range schema.Fields() {
		switch f.Name() {
		case "bucket":
			cols.Bucket = i
		case "key":
			cols.Key = i
		case "size":
			cols.Size = i
		case "last_modified_date":
			cols.LastModified = i
		case "storage_class":
			cols.StorageClass = i
		case "intelligent_tiering_access_tier":
			cols.AccessTier = i
		}
	}
	if cols.Key < 0 {
		return cols, errors.New("parquet schema missing 'key' column")
	}
	if cols.Size < 0 {
		return cols, errors.New("parquet schema missing 'size' column")
	}
	return cols, nil
}

// parquetReader streams objects from a Parquet file one row group at a time.
type parquetReader struct {
	file     *parquet.File
	closer   io.Closer
	tempFile string // removed on Close when non-empty
	cols     ParquetColumns

	rowGroups    []parquet.RowGroup
	currentRGIdx int
	currentRows  parquet.Rows
	rowBuf       []parquet.Row
	bufIdx       int
	bufLen       int
}

// NewParquetReader creates a Parquet inventory reader over random-access
// data, detecting columns from the schema.
func NewParquetReader(r io.ReaderAt, size int64) (Reader, error) {
	return openParquet(r, size, nil, "")
}

// NewParquetReaderFromStream buffers a stream to a temp file, since Parquet
// requires random access, and reads it.
func NewParquetReaderFromStream(r io.ReadCloser) (Reader, error) {
	tmp, err := os.CreateTemp("", "inventory-*.parquet")
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	written, err := io.Copy(tmp, r)
	r.Close()
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("buffer parquet data: %w", err)
	}
	reader, err := openParquet(tmp, written, tmp, tmp.Name())
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return reader, nil
}

func newParquetFileReader(f *os.File, size int64) (Reader, error) {
	reader, err := openParquet(f, size, f, "")
	if err != nil {
		f.Close()
		return nil, err
	}
	return reader, nil
}

func openParquet(r io.ReaderAt, size int64, closer io.Closer, tempFile string) (*parquetReader, error) {
	file, err := parquet.OpenFile(r, size)
	if err != nil {
		return nil, fmt.Errorf("open parquet file: %w", err)
	}
	cols, err := DetectParquetColumns(file.Schema())
	if err != nil {
		return nil, err
	}
	return &parquetReader{
		file:         file,
		closer:       closer,
		tempFile:     tempFile,
		cols:         cols,
		rowGroups:    file.RowGroups(),
		currentRGIdx: -1,
		rowBuf:       make([]parquet.Row, 1024),
	}, nil
}

// Next returns the next object.
func (r *parquetReader) Next() (Object, error) {
	for {
		if r.bufIdx < r.bufLen {
			row := r.rowBuf[r.bufIdx]
			r.bufIdx++
			obj := r.toObject(row)
			if obj.Key == "" {
				continue
			}
			return obj, nil
		}

		if r.currentRows != nil {
			n, err := r.currentRows.ReadRows(r.rowBuf)
			if n > 0 {
				r.bufIdx = 0
				r.bufLen = n
				continue
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return Object{}, fmt.Errorf("read parquet rows: %w", err)
			}
			r.currentRows.Close()
			r.currentRows = nil
		}

		r.currentRGIdx++
		if r.currentRGIdx >= len(r.rowGroups) {
			return Object{}, io.EOF
		}
		r.currentRows = r.rowGroups[r.currentRGIdx].Rows()
	}
}

func (r *parquetReader) toObject(row parquet.Row) Object {
	var obj Object
	for _, val := range row {
		if val.IsNull() {
			continue
		}
		switch val.Column() {
		case r.cols.Key:
			obj.Key = val.String()
		case r.cols.Size:
			if n := val.Int64(); n > 0 {
				obj.Size = uint64(n)
			}
		case r.cols.Bucket:
			obj.Bucket = val.String()
		case r.cols.StorageClass:
			obj.StorageClass = val.String()
		case r.cols.AccessTier:
			obj.AccessTier = val.String()
		case r.cols.LastModified:
			// S3 writes last_modified_date as a millisecond timestamp.
			obj.LastModified = time.UnixMilli(val.Int64()).UTC()
		}
	}
	return obj
}

// Close releases resources.
func (r *parquetReader) Close() error {
	if r.currentRows != nil {
		r.currentRows.Close()
		r.currentRows = nil
	}
	var err error
	if r.closer != nil {
		err = r.closer.Close()
	}
	if r.tempFile != "" {
		os.Remove(r.tempFile)
	}
	return err
}
