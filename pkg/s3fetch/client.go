package s3fetch

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/eunmann/s3-inv-pivot/pkg/fileutil"
)

// Options configures the S3 client.
type Options struct {
	// Region overrides the region from the default AWS configuration.
	Region string
	// Endpoint points the client at an S3-compatible service.
	Endpoint string
	// UsePathStyle selects path-style addressing, needed by most
	// S3-compatible services.
	UsePathStyle bool
	// PartSize is the multipart part size for downloads and uploads.
	// Default: 16MB.
	PartSize int64
	// Concurrency is the number of concurrent parts per transfer.
	// Default: 4.
	Concurrency int
}

// Client provides the S3 operations used for inventory ingestion and export.
type Client struct {
	s3Client   *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
}

// NewClient creates a new S3 client from the default AWS configuration.
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return NewClientWithConfig(cfg, opts), nil
}

// NewClientWithConfig creates a new S3 client with a custom AWS config.
func NewClientWithConfig(cfg aws.Config, opts Options) *Client {
	if opts.PartSize <= 0 {
		opts.PartSize = 16 * 1024 * 1024
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	s3Client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return &Client{
		s3Client: s3Client,
		downloader: manager.NewDownloader(s3Client, func(d *manager.Downloader) {
			d.Concurrency = opts.Concurrency
			d.PartSize = opts.PartSize
		}),
		uploader: manager.NewUploader(s3Client, func(u *manager.Uploader) {
			u.Concurrency = opts.Concurrency
			u.PartSize = opts.PartSize
		}),
	}
}

// FetchManifest fetches and parses an S3 inventory manifest.
func (c *Client) FetchManifest(ctx context.Context, bucket, key string) (*Manifest, error) {
	body, err := c.StreamObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	manifest, err := ParseManifest(body)
	if err != nil {
		return nil, fmt.Errorf("parse manifest from s3://%s/%s: %w", bucket, key, err)
	}
	return manifest, nil
}

// StreamObject returns a reader for an S3 object.
func (c *Client) StreamObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	resp, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get object s3://%s/%s: %w", bucket, key, err)
	}
	return resp.Body, nil
}

// DownloadFile downloads an object to localPath using parallel range
// requests. The file appears at localPath only once complete.
func (c *Client) DownloadFile(ctx context.Context, bucket, key, localPath string) (int64, error) {
	var n int64
	err := fileutil.WriteAtomic(localPath, func(f *os.File) error {
		var err error
		n, err = c.downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("download s3://%s/%s: %w", bucket, key, err)
	}
	return n, nil
}

// Upload writes body to s3://bucket/key, using multipart upload for large
// bodies.
func (c *Client) Upload(ctx context.Context, bucket, key string, body io.Reader) error {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
