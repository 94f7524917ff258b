package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Store abstracts the object storage a mirror reads from and writes to.
// Keys are relative to the store's prefix.
type Store interface {
	// NewReader opens key for streaming reads.
	NewReader(ctx context.Context, key string) (io.ReadCloser, error)

	// NewWriter opens key for streaming writes. The object becomes visible
	// when the writer is closed. Cancelling ctx before Close discards it.
	NewWriter(ctx context.Context, key string) (io.WriteCloser, error)

	// List returns every object under prefix, skipping in-flight temp objects.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Exists checks whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Copy copies srcKey to dstKey within the store.
	Copy(ctx context.Context, dstKey, srcKey string) error

	// Delete removes key.
	Delete(ctx context.Context, key string) error

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3" | "mem"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS or S3 bucket name
	Bucket string `yaml:"bucket"`

	// S3 (also works for B2, R2, MinIO)
	Endpoint string `yaml:"endpoint"` // custom endpoint for B2/MinIO/R2
	Region   string `yaml:"region"`

	// Common
	Prefix string `yaml:"prefix"` // path prefix within bucket or local dir
}

// NewStore creates a storage backend based on configuration.
func NewStore(ctx context.Context, cfg StorageConfig) (*BlobStore, error) {
	var (
		bucket *blob.Bucket
		scheme string
		root   string
		err    error
	)

	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		root, err = filepath.Abs(cfg.LocalDir)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", cfg.LocalDir, err)
		}
		bucket, err = fileblob.OpenBucket(root, &fileblob.Options{CreateDir: true})
		if err != nil {
			return nil, fmt.Errorf("open local dir %s: %w", root, err)
		}
		scheme = "file://"
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		bucket, err = blob.OpenBucket(ctx, "gs://"+cfg.Bucket)
		if err != nil {
			return nil, fmt.Errorf("open GCS bucket %s: %w", cfg.Bucket, err)
		}
		scheme, root = "gs://", cfg.Bucket
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		bucket, err = blob.OpenBucket(ctx, s3URL(cfg))
		if err != nil {
			return nil, fmt.Errorf("open S3 bucket %s: %w", cfg.Bucket, err)
		}
		scheme, root = "s3://", cfg.Bucket
	case "mem":
		bucket = memblob.OpenBucket(nil)
		scheme, root = "mem://", "mem"
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}

	return newBlobStore(bucket, scheme, root, cfg.Prefix), nil
}

// s3URL builds the gocloud URL for S3-compatible stores (AWS, B2, R2, MinIO).
func s3URL(cfg StorageConfig) string {
	bucketURL := "s3://" + cfg.Bucket

	params := url.Values{}
	if cfg.Region != "" {
		params.Set("region", cfg.Region)
	}
	if cfg.Endpoint != "" {
		params.Set("endpoint", cfg.Endpoint)
		params.Set("use_path_style", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}
	return bucketURL
}
