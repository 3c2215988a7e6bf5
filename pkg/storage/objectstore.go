package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ObjectMeta holds metadata for a listed object.
type ObjectMeta struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

var (
	ErrInvalidPath    = errors.New("storage: invalid object path")
	ErrBucketNotEmpty = errors.New("storage: bucket not empty")
)

// ObjectStore abstracts object I/O for the S3 layer.
//
// Implementations must be safe for concurrent use. Get should return a reader
// that also implements io.Seeker so range requests can skip ahead.
type ObjectStore interface {
	Put(ctx context.Context, bucket, key string, r io.Reader) (etag string, size int64, err error)
	Get(ctx context.Context, bucket, key string) (rc io.ReadCloser, size int64, etag string, lastModified time.Time, err error)
	Head(ctx context.Context, bucket, key string) (size int64, etag string, lastModified time.Time, err error)
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix, startAfter, delimiter string, maxKeys int) ([]ObjectMeta, []string, bool, error)
	IsBucketEmpty(ctx context.Context, bucket string) (bool, error)
	RemoveBucket(ctx context.Context, bucket string) error
}

// Observer receives per-operation timings.
type Observer interface {
	Observe(op string, bytes int64, err error, dur time.Duration)
}
