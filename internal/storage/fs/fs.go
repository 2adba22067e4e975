// Package fs implements a filesystem-based storage backend for assetbridge.
//
// The filesystem backend stores objects as plain files. It is the default
// backend for single-node deployments and the backend used by tests that need
// real I/O.
//
// Object path layout:
//
//	{data_dir}/buckets/{bucket}/objects/{key}
//	{data_dir}/buckets/{bucket}/meta/{key}.json
//
// Writes go to a temporary file in the target directory and are renamed into
// place, so readers never observe a partial object.
package fs

import (
	"context"
	"crypto/md5" //nolint:gosec // G501: MD5 used as an ETag, not for security
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

// Directory permission constant.
const dirPermissions = 0750

const tmpPrefix = ".tmp-"

// Config holds filesystem backend configuration.
type Config struct {
	DataDir string
}

// Backend implements the storage backend using the local filesystem.
type Backend struct {
	config     Config
	bucketsDir string
}

type objectMeta struct {
	ContentType string `json:"content_type"`
	ETag        string `json:"etag"`
}

// New creates a new filesystem backend.
func New(config Config) (*Backend, error) {
	if config.DataDir == "" {
		return nil, errors.New("data directory is required")
	}

	b := &Backend{
		config:     config,
		bucketsDir: filepath.Join(config.DataDir, "buckets"),
	}

	err := os.MkdirAll(b.bucketsDir, dirPermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to create buckets directory: %w", err)
	}

	return b, nil
}

// Init creates the directory of every known bucket.
func (b *Backend) Init(ctx context.Context) error {
	for _, name := range bucket.Names() {
		if err := os.MkdirAll(filepath.Join(b.bucketPath(name), "objects"), dirPermissions); err != nil {
			return fmt.Errorf("failed to create bucket directory %s: %w", name, err)
		}
	}

	return nil
}

// Close closes the storage backend.
func (b *Backend) Close() error {
	return nil
}

func (b *Backend) bucketPath(bucket string) string {
	return filepath.Join(b.bucketsDir, bucket)
}

// objectPath returns the filesystem path for an object.
func (b *Backend) objectPath(bucket, key string) (string, error) {
	if err := validateKey(bucket, key); err != nil {
		return "", err
	}

	return filepath.Join(b.bucketPath(bucket), "objects", filepath.FromSlash(key)), nil
}

func (b *Backend) metaPath(bucket, key string) string {
	return filepath.Join(b.bucketPath(bucket), "meta", filepath.FromSlash(key)+".json")
}

func validateKey(bucket, key string) error {
	if bucket == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." {
		return fmt.Errorf("%w: invalid bucket %q", backend.ErrPermanent, bucket)
	}

	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: invalid key %q", backend.ErrPermanent, key)
	}

	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.HasPrefix(seg, tmpPrefix) {
			return fmt.Errorf("%w: invalid key %q", backend.ErrPermanent, key)
		}
	}

	return nil
}

// PutObject stores an object.
func (b *Backend) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, contentType string) (*backend.PutResult, error) {
	path, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create object directory: %w", err)
	}

	// Create temporary file for atomic write
	tmpFile, err := os.CreateTemp(filepath.Dir(path), tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	tmpPath := tmpFile.Name()

	defer func() { _ = os.Remove(tmpPath) }() // Clean up on error

	hash := md5.New() //nolint:gosec // G401: MD5 used as an ETag
	writer := io.MultiWriter(tmpFile, hash)

	written, err := io.Copy(writer, &ctxReader{ctx: ctx, r: reader})
	if err != nil {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("failed to write object: %w", err)
	}

	if size >= 0 && written != size {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("short write for %s/%s: wrote %d of %d bytes", bucket, key, written, size)
	}

	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return nil, fmt.Errorf("failed to sync object: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}

	etag := hex.EncodeToString(hash.Sum(nil))

	if err := b.writeMeta(bucket, key, objectMeta{ContentType: contentType, ETag: etag}); err != nil {
		return nil, err
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("failed to rename object: %w", err)
	}

	return &backend.PutResult{
		ETag: etag,
		Size: written,
	}, nil
}

func (b *Backend) writeMeta(bucket, key string, meta objectMeta) error {
	path := b.metaPath(bucket, key)

	if err := os.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return fmt.Errorf("failed to create meta directory: %w", err)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode object metadata: %w", err)
	}

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write object metadata: %w", err)
	}

	return nil
}

func (b *Backend) readMeta(bucket, key string) objectMeta {
	var meta objectMeta

	//nolint:gosec // G304: path is constructed from a validated bucket/key
	data, err := os.ReadFile(b.metaPath(bucket, key))
	if err != nil {
		return meta
	}

	_ = json.Unmarshal(data, &meta)

	return meta
}

// GetObject retrieves an object.
func (b *Backend) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, *backend.ObjectInfo, error) {
	path, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, nil, err
	}

	//nolint:gosec // G304: path is constructed from validated bucket/key
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s/%s", backend.ErrObjectNotFound, bucket, key)
		}

		return nil, nil, fmt.Errorf("failed to open object: %w", err)
	}

	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, nil, fmt.Errorf("failed to stat object: %w", err)
	}

	if st.IsDir() {
		_ = file.Close()
		return nil, nil, fmt.Errorf("%w: %s/%s", backend.ErrObjectNotFound, bucket, key)
	}

	return file, b.info(bucket, key, st), nil
}

// StatObject returns object metadata.
func (b *Backend) StatObject(ctx context.Context, bucket, key string) (*backend.ObjectInfo, error) {
	path, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", backend.ErrObjectNotFound, bucket, key)
		}

		return nil, fmt.Errorf("failed to stat object: %w", err)
	}

	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s/%s", backend.ErrObjectNotFound, bucket, key)
	}

	return b.info(bucket, key, st), nil
}

func (b *Backend) info(bucket, key string, st os.FileInfo) *backend.ObjectInfo {
	meta := b.readMeta(bucket, key)

	return &backend.ObjectInfo{
		Key:          key,
		Size:         st.Size(),
		ContentType:  meta.ContentType,
		ETag:         meta.ETag,
		LastModified: st.ModTime().UTC(),
	}
}

// DeleteObject deletes an object.
func (b *Backend) DeleteObject(ctx context.Context, bucket, key string) error {
	path, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}

	_ = os.Remove(b.metaPath(bucket, key))

	// Clean up empty parent directories
	b.cleanEmptyDirs(filepath.Dir(path), filepath.Join(b.bucketPath(bucket), "objects"))

	return nil
}

// ObjectExists checks if an object exists.
func (b *Backend) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := b.StatObject(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, backend.ErrObjectNotFound) {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// ListObjects returns the keys under prefix.
func (b *Backend) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	root := filepath.Join(b.bucketPath(bucket), "objects")

	var keys []string

	err := filepath.WalkDir(root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}

			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if d.IsDir() || strings.HasPrefix(d.Name(), tmpPrefix) {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	sort.Strings(keys)

	return keys, nil
}

// cleanEmptyDirs removes empty directories up to stopAt.
func (b *Backend) cleanEmptyDirs(dir, stopAt string) {
	for dir != stopAt && strings.HasPrefix(dir, stopAt) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}

		if err := os.Remove(dir); err != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}

// ctxReader aborts a copy once the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}

	return c.r.Read(p)
}

var _ backend.Backend = (*Backend)(nil)

