package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/eunmann/s3-inv-pivot/pkg/inventory"
	"github.com/eunmann/s3-inv-pivot/pkg/rule"
	"github.com/eunmann/s3-inv-pivot/pkg/s3fetch"
	"github.com/eunmann/s3-inv-pivot/pkg/sqlsource"
)

type ingestOptions struct {
	manifest    string
	bucket      string
	stream      bool
	keepFiles   bool
	downloadDir string
	filterPath  string
}

func newIngestCommand(a *app) *cobra.Command {
	opts := &ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest [--manifest s3://bucket/path/manifest.json | FILE...]",
		Short: "Load inventory files into the source store",
		Long: `Load S3 inventory data into the source store.

With --manifest, the manifest's CSV or Parquet files are downloaded (or
streamed with --stream) and loaded. Otherwise the given local files are
loaded. Files already loaded are skipped, so an interrupted ingest can be
re-run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.ingest(cmd, opts, args)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.manifest, "manifest", "", "S3 URI of an inventory manifest.json")
	f.StringVar(&opts.bucket, "bucket", "", "bucket for local files without a bucket column")
	f.BoolVar(&opts.stream, "stream", false, "stream manifest files instead of downloading them")
	f.BoolVar(&opts.keepFiles, "keep-files", false, "keep downloaded files")
	f.StringVar(&opts.downloadDir, "download-dir", a.settings.DownloadDir, "directory for downloaded files (default: a temp dir)")
	f.StringVar(&opts.filterPath, "filter", "", "JSON rule file; objects the rule drops are not loaded")
	return cmd
}

func (a *app) ingest(cmd *cobra.Command, opts *ingestOptions, args []string) error {
	ctx := cmd.Context()
	if opts.manifest == "" && len(args) == 0 {
		return errors.New("--manifest or at least one inventory file is required")
	}
	if opts.manifest != "" && len(args) > 0 {
		return errors.New("--manifest and inventory files are mutually exclusive")
	}

	cfg := a.settings.IngestConfig()
	if opts.filterPath != "" {
		data, err := os.ReadFile(opts.filterPath)
		if err != nil {
			return fmt.Errorf("read filter: %w", err)
		}
		r, err := rule.Parse(data)
		if err != nil {
			return err
		}
		cfg.Filter = &r
	}

	if err := a.open(ctx); err != nil {
		return err
	}
	ing, err := sqlsource.NewIngester(a.source, cfg)
	if err != nil {
		return err
	}

	var files []sqlsource.IngestFile
	var cleanup func() error
	switch {
	case opts.manifest == "":
		files = localFiles(args, opts.bucket)
	case opts.stream:
		files, err = a.streamedFiles(ctx, opts.manifest)
	default:
		files, cleanup, err = a.downloadedFiles(ctx, opts)
	}
	if err != nil {
		return err
	}
	if cleanup != nil {
		defer cleanup()
	}

	res, err := ing.Ingest(ctx, files)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "loaded %d files (%d skipped): %s objects, %s filtered, in %s\n",
		res.FilesLoaded, res.FilesSkipped,
		humanize.Comma(res.Objects), humanize.Comma(res.Filtered), res.Duration.Round(time.Millisecond))
	return nil
}

func localFiles(paths []string, bucket string) []sqlsource.IngestFile {
	files := make([]sqlsource.IngestFile, len(paths))
	for i, p := range paths {
		id, err := filepath.Abs(p)
		if err != nil {
			id = p
		}
		files[i] = sqlsource.IngestFile{
			ID:     id,
			Bucket: bucket,
			Open:   func() (inventory.Reader, error) { return inventory.OpenFile(p, inventory.DefaultCSVColumns()) },
		}
	}
	return files
}

// downloadedFiles fetches the manifest's pending files to local disk.
func (a *app) downloadedFiles(ctx context.Context, opts *ingestOptions) ([]sqlsource.IngestFile, func() error, error) {
	client, err := s3fetch.NewClient(ctx, a.settings.S3Options())
	if err != nil {
		return nil, nil, err
	}
	dir := opts.downloadDir
	if dir == "" {
		if dir, err = os.MkdirTemp("", "s3inv-pivot-*"); err != nil {
			return nil, nil, fmt.Errorf("create download dir: %w", err)
		}
	}

	fetcher := s3fetch.NewFetcher(client, s3fetch.FetchConfig{
		ManifestURI: opts.manifest,
		DownloadDir: dir,
		KeepFiles:   opts.keepFiles,
		Skip: func(key string) bool {
			done, err := a.source.FileDone(ctx, key)
			return err == nil && done
		},
	})
	res, err := fetcher.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	bucket := res.Manifest.SourceBucket

	files := make([]sqlsource.IngestFile, len(res.Files))
	for i, lf := range res.Files {
		files[i] = sqlsource.IngestFile{
			ID:     lf.Key,
			Bucket: bucket,
			Open:   func() (inventory.Reader, error) { return inventory.OpenFile(lf.Path, res.Columns) },
		}
	}
	return files, fetcher.Cleanup, nil
}

// streamedFiles reads the manifest's files straight from S3.
func (a *app) streamedFiles(ctx context.Context, manifestURI string) ([]sqlsource.IngestFile, error) {
	client, err := s3fetch.NewClient(ctx, a.settings.S3Options())
	if err != nil {
		return nil, err
	}
	mBucket, mKey, err := s3fetch.ParseS3URI(manifestURI)
	if err != nil {
		return nil, err
	}
	manifest, err := client.FetchManifest(ctx, mBucket, mKey)
	if err != nil {
		return nil, err
	}
	dataBucket, err := manifest.DestinationBucketName()
	if err != nil {
		return nil, err
	}
	bucket := manifest.SourceBucket
	format := manifest.Format()
	var cols inventory.CSVColumns
	if format == inventory.FormatCSV {
		if cols, err = manifest.CSVColumns(); err != nil {
			return nil, err
		}
	}

	files := make([]sqlsource.IngestFile, len(manifest.Files))
	for i, mf := range manifest.Files {
		files[i] = sqlsource.IngestFile{
			ID:     mf.Key,
			Bucket: bucket,
			Open: func() (inventory.Reader, error) {
				body, err := client.StreamObject(ctx, dataBucket, mf.Key)
				if err != nil {
					return nil, err
				}
				return inventory.OpenStream(body, mf.Key, format, cols)
			},
		}
	}
	return files, nil
}
