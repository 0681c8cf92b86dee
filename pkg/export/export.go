// Package export writes a destination table to Parquet or JSON lines,
// locally or to S3.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-inv-pivot/internal/logctx"
	"github.com/eunmann/s3-inv-pivot/pkg/fileutil"
	"github.com/eunmann/s3-inv-pivot/pkg/logging"
	"github.com/eunmann/s3-inv-pivot/pkg/s3fetch"
	"github.com/eunmann/s3-inv-pivot/pkg/sqlsink"
	"github.com/eunmann/s3-inv-pivot/pkg/value"
)

// Format is an export file format.
type Format string

// Supported formats.
const (
	FormatParquet Format = "parquet"
	FormatJSONL   Format = "jsonl"
	// FormatJSONLZstd is JSON lines compressed with zstd.
	FormatJSONLZstd Format = "jsonl.zst"
)

// FormatFromPath picks a format from a file name or object key.
func FormatFromPath(path string) (Format, error) {
	p := strings.ToLower(path)
	switch {
	case strings.HasSuffix(p, ".parquet"):
		return FormatParquet, nil
	case strings.HasSuffix(p, ".jsonl.zst"), strings.HasSuffix(p, ".zst"):
		return FormatJSONLZstd, nil
	case strings.HasSuffix(p, ".jsonl"), strings.HasSuffix(p, ".ndjson"):
		return FormatJSONL, nil
	}
	return "", fmt.Errorf("cannot infer export format from %q (use .parquet, .jsonl or .jsonl.zst)", path)
}

// Docs is the document stream being exported.
type Docs interface {
	Next() bool
	Doc() sqlsink.Doc
	Err() error
}

// parquetField is one record field. Values are stored as text with their
// kind so that mixed-kind destinations share one schema.
type parquetField struct {
	Name  string `parquet:"name"`
	Kind  string `parquet:"kind"`
	Value string `parquet:"value"`
}

type parquetDoc struct {
	DocID       string         `parquet:"doc_id"`
	UpdatedAtMs int64          `parquet:"updated_at_ms"`
	Fields      []parquetField `parquet:"fields"`
}

func toParquet(d sqlsink.Doc) parquetDoc {
	out := parquetDoc{DocID: d.ID, UpdatedAtMs: d.UpdatedAt.UnixMilli()}
	for _, name := range d.Fields.Keys() {
		v := d.Fields[name]
		f := parquetField{Name: name, Kind: v.Kind().String()}
		if !v.IsNull() {
			f.Value = v.String()
		}
		out.Fields = append(out.Fields, f)
	}
	return out
}

// Write streams docs to w in the given format and returns the number of
// documents written.
func Write(docs Docs, w io.Writer, format Format) (int64, error) {
	switch format {
	case FormatParquet:
		return writeParquet(docs, w)
	case FormatJSONL:
		return writeJSONL(docs, w)
	case FormatJSONLZstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return 0, fmt.Errorf("create zstd writer: %w", err)
		}
		n, err := writeJSONL(docs, zw)
		if cerr := zw.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close zstd writer: %w", cerr)
		}
		return n, err
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
}

const parquetBatch = 1024

func writeParquet(docs Docs, w io.Writer) (int64, error) {
	pw := parquet.NewGenericWriter[parquetDoc](w)
	batch := make([]parquetDoc, 0, parquetBatch)
	var n int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := pw.Write(batch); err != nil {
			return fmt.Errorf("write parquet rows: %w", err)
		}
		n += int64(len(batch))
		batch = batch[:0]
		return nil
	}
	for docs.Next() {
		batch = append(batch, toParquet(docs.Doc()))
		if len(batch) == parquetBatch {
			if err := flush(); err != nil {
				return n, err
			}
		}
	}
	if err := docs.Err(); err != nil {
		return n, err
	}
	if err := flush(); err != nil {
		return n, err
	}
	if err := pw.Close(); err != nil {
		return n, fmt.Errorf("close parquet writer: %w", err)
	}
	return n, nil
}

func writeJSONL(docs Docs, w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	var n int64
	for docs.Next() {
		d := docs.Doc()
		line := make(map[string]value.Value, len(d.Fields)+2)
		for k, v := range d.Fields {
			line[k] = v
		}
		line["_id"] = value.String(d.ID)
		line["_updated_at"] = value.Time(d.UpdatedAt)
		if err := enc.Encode(line); err != nil {
			return n, fmt.Errorf("encode document %s: %w", d.ID, err)
		}
		n++
	}
	if err := docs.Err(); err != nil {
		return n, err
	}
	if err := bw.Flush(); err != nil {
		return n, fmt.Errorf("flush: %w", err)
	}
	return n, nil
}

// Uploader stores an object; *s3fetch.Client implements it.
type Uploader interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader) error
}

// Result summarizes an export.
type Result struct {
	Destination string
	Target      string
	Format      Format
	Docs        int64
	Duration    time.Duration
}

// Exporter exports destination tables from a sqlsink store.
type Exporter struct {
	store    *sqlsink.Store
	uploader Uploader
}

// New returns an exporter. uploader may be nil when only local targets are
// used.
func New(store *sqlsink.Store, uploader Uploader) *Exporter {
	return &Exporter{store: store, uploader: uploader}
}

// Export writes destination to target, a local path or an s3:// URI. The
// format is inferred from target's extension.
func (e *Exporter) Export(ctx context.Context, destination, target string) (Result, error) {
	start := time.Now()
	res := Result{Destination: destination, Target: target}
	format, err := FormatFromPath(target)
	if err != nil {
		return res, err
	}
	res.Format = format

	docs, err := e.store.Docs(ctx, destination)
	if err != nil {
		return res, err
	}
	defer docs.Close()

	if strings.HasPrefix(target, "s3://") {
		res.Docs, err = e.toS3(ctx, docs, target, format)
	} else {
		res.Docs, err = toFile(docs, target, format)
	}
	if err != nil {
		return res, fmt.Errorf("export %s to %s: %w", destination, target, err)
	}
	res.Duration = time.Since(start)

	logging.PhaseComplete(logctx.FromContext(ctx), "export", res.Duration).
		Str("destination", destination).
		Str("target", target).
		Str("format", string(format)).
		Count("docs", res.Docs).
		Log("export complete")
	return res, nil
}

func toFile(docs Docs, path string, format Format) (int64, error) {
	var n int64
	err := fileutil.WriteAtomic(path, func(f *os.File) error {
		var err error
		n, err = Write(docs, f, format)
		return err
	})
	return n, err
}

func (e *Exporter) toS3(ctx context.Context, docs Docs, uri string, format Format) (int64, error) {
	if e.uploader == nil {
		return 0, fmt.Errorf("no S3 client configured for %s", uri)
	}
	bucket, key, err := s3fetch.ParseS3URI(uri)
	if err != nil {
		return 0, err
	}
	if key == "" {
		return 0, fmt.Errorf("export URI %s has no object key", uri)
	}

	pr, pw := io.Pipe()
	var n int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var werr error
		n, werr = Write(docs, pw, format)
		pw.CloseWithError(werr)
		return werr
	})
	g.Go(func() error {
		err := e.uploader.Upload(gctx, bucket, key, pr)
		// Unblock the writer if the upload stopped reading early.
		pr.CloseWithError(err)
		return err
	})
	if err := g.Wait(); err != nil {
		return n, err
	}
	return n, nil
}
