package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// BlobStore implements Store over a gocloud bucket.
type BlobStore struct {
	bucket *blob.Bucket
	scheme string
	root   string
	prefix string
}

// newBlobStore takes ownership of bucket. With a prefix the original handle
// is closed and replaced by a prefixed view.
func newBlobStore(bucket *blob.Bucket, scheme, root, prefix string) *BlobStore {
	if prefix != "" {
		bucket = blob.PrefixedBucket(bucket, prefix)
	}
	return &BlobStore{
		bucket: bucket,
		scheme: scheme,
		root:   root,
		prefix: prefix,
	}
}

// NewBlobStore wraps an already opened bucket, such as a memblob bucket.
func NewBlobStore(bucket *blob.Bucket, name, prefix string) *BlobStore {
	return newBlobStore(bucket, "mem://", name, prefix)
}

// NewReader opens key for reading.
func (s *BlobStore) NewReader(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, mapErr(err))
	}
	return r, nil
}

// NewWriter opens key for writing.
func (s *BlobStore) NewWriter(ctx context.Context, key string) (io.WriteCloser, error) {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("create writer for %s: %w", key, err)
	}
	return w, nil
}

// List returns all objects with the given prefix, sorted by key.
func (s *BlobStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	iter := s.bucket.List(&blob.ListOptions{
		Prefix: prefix,
	})

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		// Skip directories and unpublished temp objects
		if obj.IsDir || IsTempKey(obj.Key) {
			continue
		}
		objects = append(objects, ObjectInfo{
			Key:     obj.Key,
			Size:    obj.Size,
			ModTime: obj.ModTime,
		})
	}

	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Head returns metadata about a stored object.
func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, mapErr(err))
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// Exists checks if key is present.
func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Copy copies an object within the bucket.
func (s *BlobStore) Copy(ctx context.Context, dstKey, srcKey string) error {
	if err := s.bucket.Copy(ctx, dstKey, srcKey, nil); err != nil {
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, mapErr(err))
	}
	return nil
}

// Delete removes key.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, mapErr(err))
	}
	return nil
}

// URI returns the canonical URI for the given key.
func (s *BlobStore) URI(key string) string {
	return s.scheme + path.Join(s.root, s.prefix, key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func mapErr(err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

// IsTempKey reports whether key names an unpublished temp object.
func IsTempKey(key string) bool {
	return strings.Contains(path.Base(key), tempMarker)
}

// Verify BlobStore implements Store.
var _ Store = (*BlobStore)(nil)
