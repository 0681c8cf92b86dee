// Package s3fetch fetches AWS S3 Inventory manifests and data files and
// uploads exports.
package s3fetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/eunmann/s3-inv-pivot/pkg/inventory"
)

// Manifest represents an AWS S3 Inventory manifest.json file.
type Manifest struct {
	SourceBucket      string         `json:"sourceBucket"`
	DestinationBucket string         `json:"destinationBucket"`
	Version           string         `json:"version"`
	CreationTimestamp string         `json:"creationTimestamp"`
	FileFormat        string         `json:"fileFormat"`
	FileSchema        string         `json:"fileSchema"`
	Files             []ManifestFile `json:"files"`
}

// ManifestFile represents a single inventory file in the manifest.
type ManifestFile struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	MD5Checksum string `json:"MD5checksum"`
}

// ParseManifest parses an AWS S3 Inventory manifest.json.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("validate manifest: %w", err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if m.DestinationBucket == "" {
		return errors.New("manifest missing destinationBucket")
	}
	if len(m.Files) == 0 {
		return errors.New("manifest has no files")
	}
	switch strings.ToUpper(m.FileFormat) {
	case "", "CSV", "PARQUET":
	default:
		return fmt.Errorf("unsupported file format: %s (supported: CSV, Parquet)", m.FileFormat)
	}
	if m.Format() == inventory.FormatCSV {
		if _, err := m.CSVColumns(); err != nil {
			return err
		}
	}
	return nil
}

// Format returns the inventory format: the explicit fileFormat when set,
// otherwise detected from the first file's extension.
func (m *Manifest) Format() inventory.Format {
	switch strings.ToUpper(m.FileFormat) {
	case "CSV":
		return inventory.FormatCSV
	case "PARQUET":
		return inventory.FormatParquet
	}
	if len(m.Files) > 0 {
		return inventory.FormatFromKey(m.Files[0].Key)
	}
	return inventory.FormatCSV
}

// DestinationBucketName returns the bucket holding the inventory files.
// The manifest may carry it as a plain name or an S3 ARN.
func (m *Manifest) DestinationBucketName() (string, error) {
	return ParseBucketIdentifier(m.DestinationBucket)
}

// CSVColumns maps the manifest's fileSchema to CSV column indices.
// Key and Size are required; the rest are -1 when absent.
func (m *Manifest) CSVColumns() (inventory.CSVColumns, error) {
	cols := inventory.CSVColumns{
		Bucket:       m.columnIndex("Bucket"),
		Key:          m.columnIndex("Key"),
		Size:         m.columnIndex("Size"),
		LastModified: m.columnIndex("LastModifiedDate"),
		StorageClass: m.columnIndex("StorageClass"),
		AccessTier:   m.columnIndex("IntelligentTieringAccessTier"),
	}
	if cols.Key < 0 {
		return cols, fmt.Errorf("column %q not found in schema: %s", "Key", m.FileSchema)
	}
	if cols.Size < 0 {
		return cols, fmt.Errorf("column %q not found in schema: %s", "Size", m.FileSchema)
	}
	return cols, nil
}

func (m *Manifest) columnIndex(name string) int {
	for i, col := range strings.Split(m.FileSchema, ",") {
		if strings.EqualFold(strings.TrimSpace(col), name) {
			return i
		}
	}
	return -1
}

// ParseBucketIdentifier extracts the bucket name from either a plain bucket
// name ("my-bucket") or an S3 bucket ARN ("arn:aws:s3:::my-bucket").
func ParseBucketIdentifier(bucketOrARN string) (string, error) {
	if bucketOrARN == "" {
		return "", errors.New("empty bucket identifier")
	}
	if !strings.HasPrefix(bucketOrARN, "arn:") {
		if strings.Contains(bucketOrARN, "://") {
			return "", fmt.Errorf("invalid bucket identifier %q: looks like a URI, use ParseS3URI instead", bucketOrARN)
		}
		return bucketOrARN, nil
	}

	// arn:partition:service:region:account:resource
	parts := strings.SplitN(bucketOrARN, ":", 6)
	if len(parts) < 6 {
		return "", fmt.Errorf("invalid ARN %q: expected at least 6 colon-separated parts", bucketOrARN)
	}
	if parts[2] != "s3" {
		return "", fmt.Errorf("invalid S3 ARN %q: service must be 's3', got %q", bucketOrARN, parts[2])
	}
	bucket, _, _ := strings.Cut(parts[5], "/")
	if bucket == "" {
		return "", fmt.Errorf("invalid S3 ARN %q: missing bucket name", bucketOrARN)
	}
	return bucket, nil
}

// ParseS3URI parses an S3 URI (s3://bucket/key) into bucket and key components.
func ParseS3URI(uri string) (bucket, key string, err error) {
	path, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", errors.New("invalid S3 URI: must start with s3://")
	}
	bucket, key, _ = strings.Cut(path, "/")
	if bucket == "" {
		return "", "", errors.New("invalid S3 URI: missing bucket name")
	}
	return bucket, key, nil
}
