// Package awss3 implements the storage backend on aws-sdk-go-v2, for Amazon S3
// and S3-compatible services that need SDK-native credential chains.
package awss3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/httputil"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

// Config holds the S3 client configuration. Empty credentials fall back to the
// default AWS credential chain.
type Config struct {
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	UsePathStyle  bool
	SkipTLSVerify bool
	CreateBuckets bool
}

// API is the subset of the S3 client used by the backend.
type API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	s3.ListObjectsV2APIClient
}

// Backend stores objects through the AWS SDK.
type Backend struct {
	client API
	namer  *bucket.Namer
	config Config
}

// New loads the AWS configuration and creates the backend.
func New(ctx context.Context, cfg Config, namer *bucket.Namer) (*Backend, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithHTTPClient(httputil.NewClient(httputil.TransportConfig{SkipTLSVerify: cfg.SkipTLSVerify, Backend: "s3"})),
	}

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		// The uploader owns retries and backoff.
		o.RetryMaxAttempts = 1
	})

	return NewWithClient(client, cfg, namer), nil
}

// NewWithClient creates the backend around an existing client.
func NewWithClient(client API, cfg Config, namer *bucket.Namer) *Backend {
	return &Backend{client: client, namer: namer, config: cfg}
}

// Init verifies that every physical bucket exists, creating it when configured to.
func (b *Backend) Init(ctx context.Context) error {
	for _, name := range bucket.Names() {
		physical := b.namer.Physical(name)

		_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(physical)})
		if err == nil {
			continue
		}

		err = classify(err)
		if !errors.Is(err, backend.ErrObjectNotFound) && !errors.Is(err, backend.ErrBucketNotFound) {
			return fmt.Errorf("failed to check bucket %s: %w", physical, err)
		}

		if !b.config.CreateBuckets {
			return fmt.Errorf("%w: %s (logical %s)", backend.ErrBucketNotFound, physical, name)
		}

		in := &s3.CreateBucketInput{Bucket: aws.String(physical)}
		if b.config.Region != "" && b.config.Region != "us-east-1" {
			in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
				LocationConstraint: types.BucketLocationConstraint(b.config.Region),
			}
		}

		if _, err := b.client.CreateBucket(ctx, in); err != nil {
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
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.namer.Physical(bkt)),
		Key:    aws.String(key),
		Body:   reader,
	}

	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}

	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}

	out, err := b.client.PutObject(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to put %s/%s: %w", bkt, key, classify(err))
	}

	return &backend.PutResult{ETag: aws.ToString(out.ETag), Size: size}, nil
}

// GetObject retrieves an object.
func (b *Backend) GetObject(ctx context.Context, bkt, key string) (io.ReadCloser, *backend.ObjectInfo, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.namer.Physical(bkt)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get %s/%s: %w", bkt, key, classify(err))
	}

	return out.Body, &backend.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// StatObject returns object metadata.
func (b *Backend) StatObject(ctx context.Context, bkt, key string) (*backend.ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.namer.Physical(bkt)),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s/%s: %w", bkt, key, classify(err))
	}

	return &backend.ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(out.ContentLength),
		ContentType:  aws.ToString(out.ContentType),
		ETag:         aws.ToString(out.ETag),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
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
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.namer.Physical(bkt)),
		Prefix: aws.String(prefix),
	})

	var keys []string

	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list %s/%s: %w", bkt, prefix, classify(err))
		}

		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	sort.Strings(keys)

	return keys, nil
}

// DeleteObject deletes an object.
func (b *Backend) DeleteObject(ctx context.Context, bkt, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.namer.Physical(bkt)),
		Key:    aws.String(key),
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, backend.ErrObjectNotFound) {
			return nil
		}

		return fmt.Errorf("failed to delete %s/%s: %w", bkt, key, err)
	}

	return nil
}

// classify maps SDK errors onto backend sentinel errors.
func classify(err error) error {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return fmt.Errorf("%w: %w", backend.ErrObjectNotFound, err)
	}

	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", backend.ErrObjectNotFound, err)
	}

	var noBucket *types.NoSuchBucket
	if errors.As(err, &noBucket) {
		return fmt.Errorf("%w: %w: %w", backend.ErrBucketNotFound, backend.ErrPermanent, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", backend.ErrObjectNotFound, err)
		case "NoSuchBucket":
			return fmt.Errorf("%w: %w: %w", backend.ErrBucketNotFound, backend.ErrPermanent, err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
			return fmt.Errorf("%w: %w", backend.ErrPermanent, err)
		}
	}

	return err
}

var _ backend.Backend = (*Backend)(nil)
