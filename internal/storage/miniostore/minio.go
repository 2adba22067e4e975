// Package miniostore implements the storage backend on top of minio-go, for
// MinIO and any other S3-compatible endpoint.
package miniostore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/httputil"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

// Config holds the MinIO client configuration.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Region        string
	UseSSL        bool
	SkipTLSVerify bool
	// CreateBuckets makes Init create missing physical buckets.
	CreateBuckets bool
}

// Backend stores objects in S3-compatible buckets through minio-go.
type Backend struct {
	client *minio.Client
	namer  *bucket.Namer
	config Config
}

// New creates a MinIO backend. namer maps logical bucket names to physical ones.
func New(cfg Config, namer *bucket.Namer) (*Backend, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}

	opts := &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: httputil.NewRoundTripper(httputil.TransportConfig{SkipTLSVerify: cfg.SkipTLSVerify, Backend: "minio"}),
	}

	if cfg.Region != "" {
		opts.Region = cfg.Region
	}

	client, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &Backend{client: client, namer: namer, config: cfg}, nil
}

// Init verifies that every physical bucket exists, creating it when configured to.
func (b *Backend) Init(ctx context.Context) error {
	for _, name := range bucket.Names() {
		physical := b.namer.Physical(name)

		exists, err := b.client.BucketExists(ctx, physical)
		if err != nil {
			return fmt.Errorf("failed to check bucket %s: %w", physical, classify(err))
		}

		if exists {
			continue
		}

		if !b.config.CreateBuckets {
			return fmt.Errorf("%w: %s (logical %s)", backend.ErrBucketNotFound, physical, name)
		}

		if err := b.client.MakeBucket(ctx, physical, minio.MakeBucketOptions{Region: b.config.Region}); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", physical, classify(err))
		}

		log.Info().Str("bucket", physical).Str("logical", name).Msg("Created storage bucket")
	}

	return nil
}

// Close closes the backend.
func (b *Backend) Close() error {
	return nil
}

// PutObject stores an object.
func (b *Backend) PutObject(ctx context.Context, bkt, key string, reader io.Reader, size int64, contentType string) (*backend.PutResult, error) {
	info, err := b.client.PutObject(ctx, b.namer.Physical(bkt), key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to put %s/%s: %w", bkt, key, classify(err))
	}

	return &backend.PutResult{ETag: info.ETag, Size: info.Size}, nil
}

// GetObject retrieves an object.
func (b *Backend) GetObject(ctx context.Context, bkt, key string) (io.ReadCloser, *backend.ObjectInfo, error) {
	obj, err := b.client.GetObject(ctx, b.namer.Physical(bkt), key, minio.GetObjectOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get %s/%s: %w", bkt, key, classify(err))
	}

	// GetObject is lazy; Stat surfaces NoSuchKey before the caller starts reading.
	st, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, nil, fmt.Errorf("failed to get %s/%s: %w", bkt, key, classify(err))
	}

	return obj, toInfo(st), nil
}

// StatObject returns object metadata.
func (b *Backend) StatObject(ctx context.Context, bkt, key string) (*backend.ObjectInfo, error) {
	st, err := b.client.StatObject(ctx, b.namer.Physical(bkt), key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s/%s: %w", bkt, key, classify(err))
	}

	return toInfo(st), nil
}

// ObjectExists checks if an object exists.
func (b *Backend) ObjectExists(ctx context.Context, bkt, key string) (bool, error) {
	_, err := b.StatObject(ctx, bkt, key)
	if err != nil {
		if errors.Is(err, backend.ErrObjectNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// ListObjects returns the keys under prefix.
func (b *Backend) ListObjects(ctx context.Context, bkt, prefix string) ([]string, error) {
	var keys []string

	for obj := range b.client.ListObjects(ctx, b.namer.Physical(bkt), minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", bkt, prefix, classify(obj.Err))
		}

		keys = append(keys, obj.Key)
	}

	sort.Strings(keys)

	return keys, nil
}

// DeleteObject deletes an object.
func (b *Backend) DeleteObject(ctx context.Context, bkt, key string) error {
	err := b.client.RemoveObject(ctx, b.namer.Physical(bkt), key, minio.RemoveObjectOptions{})
	if err != nil {
		err = classify(err)
		if errors.Is(err, backend.ErrObjectNotFound) {
			return nil
		}

		return fmt.Errorf("failed to delete %s/%s: %w", bkt, key, err)
	}

	return nil
}

func toInfo(st minio.ObjectInfo) *backend.ObjectInfo {
	return &backend.ObjectInfo{
		Key:          st.Key,
		Size:         st.Size,
		ContentType:  st.ContentType,
		ETag:         st.ETag,
		LastModified: st.LastModified,
	}
}

// classify maps S3 error responses onto backend sentinel errors.
func classify(err error) error {
	resp := minio.ToErrorResponse(err)

	switch resp.Code {
	case "NoSuchKey":
		return fmt.Errorf("%w: %w", backend.ErrObjectNotFound, err)
	case "NoSuchBucket":
		return fmt.Errorf("%w: %w: %w", backend.ErrBucketNotFound, backend.ErrPermanent, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName", "InvalidObjectName":
		return fmt.Errorf("%w: %w", backend.ErrPermanent, err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", backend.ErrObjectNotFound, err)
	}

	return err
}

var _ backend.Backend = (*Backend)(nil)
