package s3fetch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/eunmann/s3-inv-pivot/pkg/fileutil"
	"github.com/eunmann/s3-inv-pivot/pkg/inventory"
	"github.com/eunmann/s3-inv-pivot/pkg/logging"
)

// ObjectStore is the subset of Client the fetcher needs.
type ObjectStore interface {
	FetchManifest(ctx context.Context, bucket, key string) (*Manifest, error)
	DownloadFile(ctx context.Context, bucket, key, localPath string) (int64, error)
}

// FetchConfig configures the inventory fetch operation.
type FetchConfig struct {
	// ManifestURI is the S3 URI to the manifest.json file.
	ManifestURI string
	// DownloadDir is the local directory to download inventory files to.
	DownloadDir string
	// Concurrency is the number of parallel downloads (default: 4).
	Concurrency int
	// KeepFiles if true, Cleanup leaves downloaded files in place.
	KeepFiles bool
	// Skip reports whether a manifest file was already loaded and need not
	// be downloaded again.
	Skip func(key string) bool
}

// LocalFile is a downloaded inventory data file.
type LocalFile struct {
	// Key is the file's key in the manifest; it identifies the file across runs.
	Key  string
	Path string
	Size int64
}

// FetchResult contains the results of fetching inventory files.
type FetchResult struct {
	Manifest *Manifest
	Format   inventory.Format
	// Columns is only meaningful for CSV inventories.
	Columns inventory.CSVColumns
	Files   []LocalFile
	Skipped int
}

// Fetcher downloads S3 inventory files.
type Fetcher struct {
	store ObjectStore
	cfg   FetchConfig
}

// NewFetcher creates a new inventory fetcher.
func NewFetcher(store ObjectStore, cfg FetchConfig) *Fetcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Fetcher{store: store, cfg: cfg}
}

// Fetch downloads the manifest and every inventory file not skipped.
func (f *Fetcher) Fetch(ctx context.Context) (*FetchResult, error) {
	bucket, key, err := ParseS3URI(f.cfg.ManifestURI)
	if err != nil {
		return nil, fmt.Errorf("parse manifest URI: %w", err)
	}
	manifest, err := f.store.FetchManifest(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}

	result := &FetchResult{Manifest: manifest, Format: manifest.Format()}
	if result.Format == inventory.FormatCSV {
		if result.Columns, err = manifest.CSVColumns(); err != nil {
			return nil, err
		}
	}

	if err := os.MkdirAll(f.cfg.DownloadDir, 0755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if err := fileutil.CleanupTmpFiles(f.cfg.DownloadDir); err != nil {
		return nil, fmt.Errorf("clean download dir: %w", err)
	}

	var pending []ManifestFile
	for _, file := range manifest.Files {
		if f.cfg.Skip != nil && f.cfg.Skip(file.Key) {
			result.Skipped++
			continue
		}
		pending = append(pending, file)
	}

	result.Files, err = f.downloadFiles(ctx, manifest, pending)
	if err != nil {
		return nil, fmt.Errorf("download inventory files: %w", err)
	}

	log := logging.WithPhase("fetch")
	log.Info().
		Str("manifest", f.cfg.ManifestURI).
		Str("format", string(result.Format)).
		Int("files", len(result.Files)).
		Int("skipped", result.Skipped).
		Msg("inventory files fetched")
	return result, nil
}

func (f *Fetcher) downloadFiles(ctx context.Context, manifest *Manifest, files []ManifestFile) ([]LocalFile, error) {
	bucketName, err := manifest.DestinationBucketName()
	if err != nil {
		return nil, fmt.Errorf("parse destination bucket %q: %w", manifest.DestinationBucket, err)
	}

	// Each goroutine writes only its own slot.
	local := make([]LocalFile, len(files))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)
	for i, file := range files {
		g.Go(func() error {
			path := filepath.Join(f.cfg.DownloadDir, sanitizeFilename(file.Key))
			if file.Size > 0 && fileutil.HasSize(path, file.Size) {
				local[i] = LocalFile{Key: file.Key, Path: path, Size: file.Size}
				return nil
			}
			n, err := f.store.DownloadFile(ctx, bucketName, file.Key, path)
			if err != nil {
				return fmt.Errorf("download %s: %w", file.Key, err)
			}
			local[i] = LocalFile{Key: file.Key, Path: path, Size: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return local, nil
}

// Cleanup removes downloaded files.
func (f *Fetcher) Cleanup() error {
	if f.cfg.KeepFiles {
		return nil
	}
	return os.RemoveAll(f.cfg.DownloadDir)
}

// sanitizeFilename converts an S3 key to a safe local filename.
func sanitizeFilename(key string) string {
	return filepath.Base(key)
}
