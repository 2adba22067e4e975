// Package backend defines the object storage interface used by assetbridge.
//
// The Backend interface abstracts the handful of operations the engine needs
// from object storage, scoped by logical bucket name. Implementations:
//
//   - fs: local filesystem (default, single node and tests)
//   - minio: any S3-compatible endpoint through minio-go
//   - awss3: Amazon S3 or compatible endpoints through aws-sdk-go-v2
//
// Components receive a Backend at construction; nothing holds a global client.
//
// Example usage:
//
//	store, err := fs.New(fs.Config{DataDir: dir})
//	_, err = store.PutObject(ctx, "CALENDAR", "calendar/a.jpg", reader, size, "image/jpeg")
//	body, info, err := store.GetObject(ctx, "CALENDAR", "calendar/a.jpg")
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// Common backend errors.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrPermanent marks failures that retrying cannot fix (bad credentials,
	// missing bucket, rejected key). Backends wrap it with fmt.Errorf("%w").
	ErrPermanent = errors.New("permanent storage failure")
)

// Backend is the interface for object storage backends.
type Backend interface {
	// Init prepares the backend, creating bucket storage when allowed.
	Init(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// PutObject stores an object. size may be -1 when unknown.
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (*PutResult, error)

	// GetObject opens an object for reading. The caller closes the reader.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *ObjectInfo, error)

	// StatObject returns object metadata without reading the body.
	StatObject(ctx context.Context, bucket, key string) (*ObjectInfo, error)

	// ObjectExists checks if an object exists.
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)

	// ListObjects returns the keys in bucket that start with prefix, sorted.
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)

	// DeleteObject deletes an object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, bucket, key string) error
}

// PutResult contains the result of a put operation.
type PutResult struct {
	// ETag is the checksum reported by the backend
	ETag string

	// Size is the actual size written
	Size int64
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// IsNotFound reports whether err means the object or bucket does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrBucketNotFound)
}
