package sqlsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-inv-pivot/internal/logctx"
	"github.com/eunmann/s3-inv-pivot/pkg/inventory"
	"github.com/eunmann/s3-inv-pivot/pkg/logging"
	"github.com/eunmann/s3-inv-pivot/pkg/rule"
)

// IngestFile is one inventory data file to load.
type IngestFile struct {
	// ID identifies the file across runs, typically its manifest key.
	ID string
	// Bucket fills objects whose inventory rows carry no bucket column.
	Bucket string
	// Open returns a reader over the file's objects.
	Open func() (inventory.Reader, error)
}

// MaxBatchSize keeps a multi-row upsert under SQLite's bound-variable limit.
const MaxBatchSize = 3000

// IngestConfig configures the ingester.
type IngestConfig struct {
	// Concurrency is the number of files read in parallel (default: 4).
	Concurrency int
	// BatchSize is the number of objects per multi-row upsert (default: 500).
	BatchSize int
	// Filter, when set, drops objects the rule does not keep.
	Filter *rule.Rule
	Lists  rule.Lists
}

// DefaultIngestConfig returns the default ingest settings.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{Concurrency: 4, BatchSize: 500}
}

// Validate checks configuration values.
func (c *IngestConfig) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("Concurrency must be non-negative, got %d", c.Concurrency)
	}
	if c.BatchSize < 0 || c.BatchSize > MaxBatchSize {
		return fmt.Errorf("BatchSize must be between 0 and %d, got %d", MaxBatchSize, c.BatchSize)
	}
	if c.Filter != nil {
		if err := c.Filter.Validate(c.Lists); err != nil {
			return fmt.Errorf("ingest filter: %w", err)
		}
	}
	return nil
}

// IngestResult summarizes an ingest run.
type IngestResult struct {
	FilesLoaded  int
	FilesSkipped int
	Objects      int64
	Filtered     int64
	Duration     time.Duration
}

// objectBatch is a slice of one file's objects. The final batch of a file
// has last set, and is committed together with the file's done marker.
type objectBatch struct {
	fileID  string
	objects []inventory.Object
	last    bool
	total   int64
	started time.Time
}

// Ingester loads inventory files into the store with concurrent readers and
// a single writer.
type Ingester struct {
	store *Store
	cfg   IngestConfig

	objects  atomic.Int64
	filtered atomic.Int64
}

// NewIngester creates an ingester.
func NewIngester(store *Store, cfg IngestConfig) (*Ingester, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ingest config: %w", err)
	}
	def := DefaultIngestConfig()
	if cfg.Concurrency == 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Ingester{store: store, cfg: cfg}, nil
}

// Ingest loads every file not already recorded as loaded. A file's objects
// are upserted by (bucket, key), so reloading a partially loaded file after
// a failure is safe.
func (in *Ingester) Ingest(ctx context.Context, files []IngestFile) (IngestResult, error) {
	start := time.Now()
	ctx = logctx.WithInt(logctx.WithStr(ctx, "phase", "ingest"), "concurrency", in.cfg.Concurrency)
	log := logctx.FromContext(ctx)

	var res IngestResult
	var pending []IngestFile
	for _, f := range files {
		done, err := in.store.FileDone(ctx, f.ID)
		if err != nil {
			return res, err
		}
		if done {
			res.FilesSkipped++
			continue
		}
		pending = append(pending, f)
	}

	progress := logging.NewProgressTracker("ingest", int64(len(files)), log)
	for range res.FilesSkipped {
		progress.RecordSkip()
	}

	batches := make(chan objectBatch, in.cfg.Concurrency*2)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		readers, rctx := errgroup.WithContext(gctx)
		readers.SetLimit(in.cfg.Concurrency)
		for _, f := range pending {
			readers.Go(func() error {
				return in.readFile(rctx, f, batches)
			})
		}
		return readers.Wait()
	})

	g.Go(func() error {
		for b := range batches {
			if err := in.writeBatch(gctx, b); err != nil {
				return err
			}
			if !b.last {
				continue
			}
			res.FilesLoaded++
			progress.RecordCompletion()
			progress.Maybe()
			logging.FileLoaded(log, time.Since(b.started)).
				Str("file", b.fileID).
				Count("objects", b.total).
				Log("inventory file loaded")
		}
		return nil
	})

	err := g.Wait()
	res.Objects = in.objects.Load()
	res.Filtered = in.filtered.Load()
	res.Duration = time.Since(start)
	if err != nil {
		return res, fmt.Errorf("ingest inventory: %w", err)
	}

	logging.PhaseComplete(log, "ingest", res.Duration).
		Int("files_loaded", res.FilesLoaded).
		Int("files_skipped", res.FilesSkipped).
		Count("objects", res.Objects).
		Count("filtered", res.Filtered).
		Throughput("objects", res.Objects).
		Log("ingest complete")
	return res, nil
}

func (in *Ingester) readFile(ctx context.Context, f IngestFile, out chan<- objectBatch) error {
	started := time.Now()
	r, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.ID, err)
	}
	defer r.Close()

	var total int64
	send := func(objs []inventory.Object, last bool) error {
		select {
		case out <- objectBatch{fileID: f.ID, objects: objs, last: last, total: total, started: started}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	batch := make([]inventory.Object, 0, in.cfg.BatchSize)
	for {
		obj, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", f.ID, err)
		}
		if obj.Bucket == "" {
			obj.Bucket = f.Bucket
		}
		if in.cfg.Filter != nil && !in.cfg.Filter.Keep(objectRecord(obj), in.cfg.Lists) {
			in.filtered.Add(1)
			continue
		}
		batch = append(batch, obj)
		total++
		if len(batch) == in.cfg.BatchSize {
			if err := send(batch, false); err != nil {
				return err
			}
			batch = make([]inventory.Object, 0, in.cfg.BatchSize)
		}
	}
	return send(batch, true)
}

func (in *Ingester) writeBatch(ctx context.Context, b objectBatch) error {
	tx, err := in.store.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(b.objects) > 0 {
		args := make([]any, 0, len(b.objects)*len(objectColumns))
		for _, obj := range b.objects {
			args = append(args, objectArgs(obj)...)
		}
		if _, err := tx.ExecContext(ctx, buildUpsertSQL(len(b.objects)), args...); err != nil {
			return fmt.Errorf("upsert objects from %s: %w", b.fileID, err)
		}
	}
	if b.last {
		if err := markFileDone(ctx, tx, b.fileID, b.total); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	in.objects.Add(int64(len(b.objects)))
	return nil
}

// buildUpsertSQL builds a multi-row upsert statement for n objects.
func buildUpsertSQL(n int) string {
	oneRow := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(objectColumns)), ", ") + ")"
	rows := make([]string, n)
	for i := range rows {
		rows[i] = oneRow
	}
	updates := make([]string, 0, len(objectColumns)-2)
	for _, c := range objectColumns[2:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf(`
		INSERT INTO objects (%s)
		VALUES %s
		ON CONFLICT(bucket, key) DO UPDATE SET %s
	`, strings.Join(objectColumns, ", "), strings.Join(rows, ", "), strings.Join(updates, ", "))
}
