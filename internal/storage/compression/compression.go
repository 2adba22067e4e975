// Package compression provides transparent object compression as a
// wrapper around any storage backend.
//
// Supported algorithms:
//
//   - Zstandard (zstd): Best compression ratio with fast decompression (recommended)
//   - LZ4: Fastest compression/decompression, moderate ratio
//   - Gzip: Wide compatibility, moderate performance
//
// Already-compressed media (JPEG, PNG, MP4 and friends) is stored as is;
// the wrapper pays off for SVG placeholders, documents and other text-like
// assets. A compressed object carries a small JSON sidecar object holding
// the algorithm and original size. Readers always see the original bytes.
//
// Example usage:
//
//	store, err := compression.New(fsBackend, compression.Config{
//	    Algorithm: compression.AlgorithmZstd,
//	    Level:     compression.LevelDefault,
//	})
package compression

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

// Algorithm represents a compression algorithm
type Algorithm string

const (
	// AlgorithmNone disables compression
	AlgorithmNone Algorithm = "none"
	// AlgorithmZstd uses Zstandard compression (recommended)
	AlgorithmZstd Algorithm = "zstd"
	// AlgorithmLZ4 uses LZ4 compression (faster, less compression)
	AlgorithmLZ4 Algorithm = "lz4"
	// AlgorithmGzip uses Gzip compression (widely compatible)
	AlgorithmGzip Algorithm = "gzip"
)

// Level represents compression level
type Level int

const (
	// LevelFastest prioritizes speed over compression ratio
	LevelFastest Level = 1
	// LevelDefault balances speed and compression
	LevelDefault Level = 3
	// LevelBest prioritizes compression ratio over speed
	LevelBest Level = 9
)

// MetaSuffix is appended to an object key to name its compression sidecar.
const MetaSuffix = ".__compression_meta__"

// Config holds compression configuration
type Config struct {
	Algorithm Algorithm
	Level     Level
	// MinSize is the minimum object size to compress (bytes)
	MinSize int64
	// ExcludeTypes are content types that are never compressed
	ExcludeTypes []string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Algorithm: AlgorithmZstd,
		Level:     LevelDefault,
		MinSize:   1024,
		ExcludeTypes: []string{
			"image/jpeg",
			"image/png",
			"image/gif",
			"image/webp",
			"image/avif",
			"image/heic",
			"video/mp4",
			"video/webm",
			"video/quicktime",
			"video/mpeg",
			"audio/mpeg",
			"audio/mp4",
			"audio/ogg",
			"application/zip",
			"application/gzip",
		},
	}
}

type objectMeta struct {
	Algorithm    Algorithm `json:"algorithm"`
	OriginalSize int64     `json:"original_size"`
}

// Backend wraps another backend with compression support
type Backend struct {
	inner    backend.Backend
	config   Config
	codec    Codec
	excluded map[string]bool
}

// New creates a compression backend wrapping inner. AlgorithmNone (or an
// empty algorithm) stores new objects uncompressed but still decodes
// objects written compressed earlier.
func New(inner backend.Backend, cfg Config) (*Backend, error) {
	if inner == nil {
		return nil, errors.New("inner backend is required")
	}

	b := &Backend{
		inner:    inner,
		config:   cfg,
		excluded: make(map[string]bool, len(cfg.ExcludeTypes)),
	}

	for _, t := range cfg.ExcludeTypes {
		b.excluded[strings.ToLower(strings.TrimSpace(t))] = true
	}

	if cfg.Algorithm == "" || cfg.Algorithm == AlgorithmNone {
		return b, nil
	}

	codec, err := NewCodec(cfg.Algorithm, cfg.Level)
	if err != nil {
		return nil, err
	}

	b.codec = codec

	return b, nil
}

// Init initializes the backend
func (b *Backend) Init(ctx context.Context) error {
	return b.inner.Init(ctx)
}

// Close closes the backend
func (b *Backend) Close() error {
	return b.inner.Close()
}

func (b *Backend) shouldCompress(size int64, contentType string) bool {
	if b.codec == nil {
		return false
	}

	if size >= 0 && size < b.config.MinSize {
		return false
	}

	contentType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))

	return !b.excluded[contentType]
}

// PutObject stores an object, compressing it when that makes it smaller.
func (b *Backend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (*backend.PutResult, error) {
	if isSidecar(key) {
		return nil, fmt.Errorf("%w: %s is reserved for compression metadata", backend.ErrPermanent, key)
	}

	if !b.shouldCompress(size, contentType) {
		return b.putPlain(ctx, bucket, key, reader, size, contentType)
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read object data: %w", err)
	}

	original := int64(len(data))
	if original < b.config.MinSize {
		return b.putPlain(ctx, bucket, key, bytes.NewReader(data), original, contentType)
	}

	compressed, err := b.codec.Compress(data)
	if err != nil {
		return nil, fmt.Errorf("compression failed: %w", err)
	}

	if int64(len(compressed)) >= original {
		return b.putPlain(ctx, bucket, key, bytes.NewReader(data), original, contentType)
	}

	result, err := b.inner.PutObject(ctx, bucket, key, bytes.NewReader(compressed), int64(len(compressed)), contentType)
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(objectMeta{Algorithm: b.codec.Algorithm(), OriginalSize: original})
	if err != nil {
		return nil, err
	}

	if _, err := b.inner.PutObject(ctx, bucket, key+MetaSuffix, bytes.NewReader(meta), int64(len(meta)), "application/json"); err != nil {
		_ = b.inner.DeleteObject(ctx, bucket, key)
		return nil, fmt.Errorf("failed to store compression metadata: %w", err)
	}

	log.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("algorithm", string(b.codec.Algorithm())).
		Int64("original", original).
		Int("compressed", len(compressed)).
		Msg("Object stored compressed")

	return &backend.PutResult{ETag: result.ETag, Size: original}, nil
}

// putPlain stores an object as is and drops any sidecar left by an earlier
// compressed version.
func (b *Backend) putPlain(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (*backend.PutResult, error) {
	result, err := b.inner.PutObject(ctx, bucket, key, reader, size, contentType)
	if err != nil {
		return nil, err
	}

	if err := b.inner.DeleteObject(ctx, bucket, key+MetaSuffix); err != nil && !backend.IsNotFound(err) {
		log.Warn().Err(err).Str("bucket", bucket).Str("key", key).Msg("Failed to remove stale compression metadata")
	}

	return result, nil
}

// readMeta returns nil when the object is stored uncompressed.
func (b *Backend) readMeta(ctx context.Context, bucket, key string) (*objectMeta, error) {
	rc, _, err := b.inner.GetObject(ctx, bucket, key+MetaSuffix)
	if err != nil {
		if backend.IsNotFound(err) {
			return nil, nil
		}

		return nil, err
	}
	defer func() { _ = rc.Close() }()

	var meta objectMeta
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return nil, fmt.Errorf("invalid compression metadata for %s/%s: %w", bucket, key, err)
	}

	return &meta, nil
}

// GetObject retrieves an object, decompressing it when needed.
func (b *Backend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *backend.ObjectInfo, error) {
	if isSidecar(key) {
		return nil, nil, sidecarNotFound(bucket, key)
	}

	reader, info, err := b.inner.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, nil, err
	}

	meta, err := b.readMeta(ctx, bucket, key)
	if err != nil || meta == nil {
		if err != nil {
			_ = reader.Close()
			return nil, nil, err
		}

		return reader, info, nil
	}

	compressed, err := io.ReadAll(reader)
	_ = reader.Close()

	if err != nil {
		return nil, nil, fmt.Errorf("failed to read compressed data: %w", err)
	}

	codec, err := NewCodec(meta.Algorithm, LevelDefault)
	if err != nil {
		return nil, nil, err
	}

	data, err := codec.Decompress(compressed)
	if err != nil {
		return nil, nil, fmt.Errorf("decompression failed: %w", err)
	}

	out := *info
	out.Size = int64(len(data))

	return io.NopCloser(bytes.NewReader(data)), &out, nil
}

// StatObject reports the original, uncompressed size.
func (b *Backend) StatObject(ctx context.Context, bucket, key string) (*backend.ObjectInfo, error) {
	if isSidecar(key) {
		return nil, sidecarNotFound(bucket, key)
	}

	info, err := b.inner.StatObject(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	meta, err := b.readMeta(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	if meta != nil {
		out := *info
		out.Size = meta.OriginalSize

		return &out, nil
	}

	return info, nil
}

// ObjectExists checks if an object exists. Sidecars never do.
func (b *Backend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	if isSidecar(key) {
		return false, nil
	}

	return b.inner.ObjectExists(ctx, bucket, key)
}

// ListObjects lists object keys, hiding compression sidecars.
func (b *Backend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	keys, err := b.inner.ListObjects(ctx, bucket, prefix)
	if err != nil {
		return nil, err
	}

	out := keys[:0]

	for _, k := range keys {
		if !isSidecar(k) {
			out = append(out, k)
		}
	}

	return out, nil
}

// DeleteObject removes an object and its compression metadata
func (b *Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := b.inner.DeleteObject(ctx, bucket, key+MetaSuffix); err != nil && !backend.IsNotFound(err) {
		return err
	}

	return b.inner.DeleteObject(ctx, bucket, key)
}

func isSidecar(key string) bool {
	return strings.HasSuffix(key, MetaSuffix)
}

func sidecarNotFound(bucket, key string) error {
	return fmt.Errorf("%w: %s/%s", backend.ErrObjectNotFound, bucket, key)
}

var _ backend.Backend = (*Backend)(nil)
