// Package upload stores media files in object storage under their canonical
// bucket and key, with an existence short-circuit and bounded retries.
//
// The Uploader never touches the migration ledger; callers record the
// outcome themselves.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/metrics"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

// Upload defaults.
const (
	defaultMaxAttempts   = 3
	defaultBaseDelay     = 200 * time.Millisecond
	defaultMaxDelay      = 5 * time.Second
	defaultOpTimeout     = 30 * time.Second
	defaultMaxBufferSize = 64 << 20 // 64 MiB
)

// Config holds uploader settings.
type Config struct {
	// BaseURL prefixes canonical object URLs: {BaseURL}/{bucket}/{key}.
	BaseURL string
	// MaxAttempts is the total number of write attempts.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// OpTimeout bounds each individual backend call.
	OpTimeout time.Duration
	// MaxBufferSize limits how much of a non-seekable reader is buffered for retries.
	MaxBufferSize int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:       "/storage-proxy",
		MaxAttempts:   defaultMaxAttempts,
		BaseDelay:     defaultBaseDelay,
		MaxDelay:      defaultMaxDelay,
		OpTimeout:     defaultOpTimeout,
		MaxBufferSize: defaultMaxBufferSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}

	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}

	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}

	if c.OpTimeout <= 0 {
		c.OpTimeout = d.OpTimeout
	}

	if c.MaxBufferSize <= 0 {
		c.MaxBufferSize = d.MaxBufferSize
	}

	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	return c
}

// Result describes a stored object.
type Result struct {
	Bucket      string `json:"bucket" yaml:"bucket"`
	Key         string `json:"key" yaml:"key"`
	URL         string `json:"url" yaml:"url"`
	ContentType string `json:"content_type" yaml:"content_type"`
	Size        int64  `json:"size" yaml:"size"`
	// Existed is true when the object was already present and nothing was written.
	Existed  bool `json:"existed" yaml:"existed"`
	Attempts int  `json:"attempts" yaml:"attempts"`
}

// Uploader writes media into object storage.
type Uploader struct {
	storage backend.Backend
	router  *bucket.Router
	cfg     Config
}

// New creates an Uploader.
func New(storage backend.Backend, router *bucket.Router, cfg Config) *Uploader {
	return &Uploader{
		storage: storage,
		router:  router,
		cfg:     cfg.withDefaults(),
	}
}

// URL returns the canonical URL of an object.
func (u *Uploader) URL(bucketName, key string) string {
	return ObjectURL(u.cfg.BaseURL, bucketName, key)
}

// ObjectURL builds {baseURL}/{bucket}/{key} with every key segment escaped.
func ObjectURL(baseURL, bucketName, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	return strings.TrimRight(baseURL, "/") + "/" + url.PathEscape(bucketName) + "/" + strings.Join(segments, "/")
}

// Target returns the bucket and key a file of mediaType would be stored under.
func (u *Uploader) Target(mediaType, filename string) (string, string, error) {
	key, err := bucket.ObjectKey(mediaType, filename)
	if err != nil {
		return "", "", err
	}

	return u.router.Resolve(mediaType), key, nil
}

// Upload stores r as filename under the bucket for mediaType. An object that
// already exists is not rewritten. Readers implementing io.Seeker are rewound
// between attempts; other readers are buffered in memory.
func (u *Uploader) Upload(ctx context.Context, r io.Reader, mediaType, filename string) (*Result, error) {
	start := time.Now()

	bucketName, key, err := u.Target(mediaType, filename)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Bucket:      bucketName,
		Key:         key,
		URL:         u.URL(bucketName, key),
		ContentType: ContentTypeFor(key),
	}

	if u.exists(ctx, bucketName, key) {
		res.Existed = true

		metrics.RecordUpload(bucketName, "exists", 0, time.Since(start))
		log.Debug().Str("bucket", bucketName).Str("key", key).Msg("Object already stored, skipping upload")

		return res, nil
	}

	body, size, err := u.rewindable(r)
	if err != nil {
		metrics.RecordUpload(bucketName, "failed", 0, time.Since(start))
		return nil, &Error{Bucket: bucketName, Key: key, Attempts: 0, Err: err}
	}

	res.Size = size

	attempts, err := u.put(ctx, body, size, bucketName, key, res.ContentType)
	res.Attempts = attempts

	if err != nil {
		metrics.RecordUpload(bucketName, "failed", 0, time.Since(start))
		log.Error().
			Err(err).
			Str("bucket", bucketName).
			Str("key", key).
			Int("attempts", attempts).
			Msg("Upload failed")

		return nil, &Error{Bucket: bucketName, Key: key, Attempts: attempts, Err: err}
	}

	metrics.RecordUpload(bucketName, "uploaded", size, time.Since(start))
	log.Info().
		Str("bucket", bucketName).
		Str("key", key).
		Int64("size", size).
		Int("attempts", attempts).
		Msg("Object uploaded")

	return res, nil
}

// exists reports whether the object is present. Check failures are logged
// and treated as absent so the write still happens.
func (u *Uploader) exists(ctx context.Context, bucketName, key string) bool {
	opCtx, cancel := context.WithTimeout(ctx, u.cfg.OpTimeout)
	defer cancel()

	ok, err := u.storage.ObjectExists(opCtx, bucketName, key)
	if err != nil {
		log.Warn().Err(err).Str("bucket", bucketName).Str("key", key).Msg("Existence check failed, uploading anyway")
		return false
	}

	return ok
}

func (u *Uploader) rewindable(r io.Reader) (io.ReadSeeker, int64, error) {
	if rs, ok := r.(io.ReadSeeker); ok {
		pos, err := rs.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to seek payload: %w", err)
		}

		end, err := rs.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to seek payload: %w", err)
		}

		if _, err := rs.Seek(pos, io.SeekStart); err != nil {
			return nil, 0, fmt.Errorf("failed to seek payload: %w", err)
		}

		return io.NewSectionReader(readerAt{rs}, pos, end-pos), end - pos, nil
	}

	data, err := io.ReadAll(io.LimitReader(r, u.cfg.MaxBufferSize+1))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read payload: %w", err)
	}

	if int64(len(data)) > u.cfg.MaxBufferSize {
		return nil, 0, ErrTooLarge
	}

	return bytes.NewReader(data), int64(len(data)), nil
}

// put writes body with retries and returns the number of attempts made.
func (u *Uploader) put(ctx context.Context, body io.ReadSeeker, size int64, bucketName, key, contentType string) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= u.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			metrics.RecordUploadRetry()

			delay := u.backoff(attempt - 1)
			log.Warn().
				Err(lastErr).
				Str("bucket", bucketName).
				Str("key", key).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Retrying upload")

			if err := sleep(ctx, delay); err != nil {
				return attempt - 1, errors.Join(lastErr, err)
			}
		}

		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return attempt, fmt.Errorf("failed to rewind payload: %w", err)
		}

		opCtx, cancel := context.WithTimeout(ctx, u.cfg.OpTimeout)
		_, err := u.storage.PutObject(opCtx, bucketName, key, body, size, contentType)
		cancel()

		if err == nil {
			return attempt, nil
		}

		lastErr = err

		if ctx.Err() != nil || errors.Is(err, backend.ErrPermanent) {
			return attempt, err
		}
	}

	return u.cfg.MaxAttempts, lastErr
}

// backoff returns BaseDelay * 2^(n-1), capped at MaxDelay.
func (u *Uploader) backoff(n int) time.Duration {
	d := u.cfg.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= u.cfg.MaxDelay {
			return u.cfg.MaxDelay
		}
	}

	if d > u.cfg.MaxDelay {
		return u.cfg.MaxDelay
	}

	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// readerAt adapts an io.ReadSeeker for io.SectionReader. Offsets are
// absolute; callers do not read concurrently.
type readerAt struct {
	rs io.ReadSeeker
}

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if ra, ok := r.rs.(io.ReaderAt); ok {
		return ra.ReadAt(p, off)
	}

	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}

	return io.ReadFull(r.rs, p)
}
