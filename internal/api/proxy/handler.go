// Package proxy serves stored media over HTTP.
//
// GET and HEAD on /storage-proxy/{bucket}/{key} answer 200 for every known
// bucket. When the object cannot be read the bucket's placeholder image is
// served instead and the response carries X-Media-Default: true. Clients
// embed these URLs directly in pages, so a broken image is never returned.
package proxy

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/metrics"
	"github.com/piwi3910/assetbridge/internal/placeholder"
	"github.com/piwi3910/assetbridge/internal/storage/backend"
	"github.com/piwi3910/assetbridge/internal/upload"
)

// Prefix is the route prefix of proxied objects.
const Prefix = "/storage-proxy"

// DefaultHeader marks placeholder responses.
const DefaultHeader = "X-Media-Default"

// Config holds proxy settings.
type Config struct {
	// CacheMaxAge is sent as Cache-Control max-age for stored objects.
	CacheMaxAge time.Duration
	// FallbackMaxAge is used for placeholder responses. Keep it short so a
	// freshly migrated asset replaces its placeholder quickly.
	FallbackMaxAge time.Duration
	// LookupTimeout bounds metadata lookups (HEAD) and opening an object
	// for GET. Streaming the body is not bounded.
	LookupTimeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheMaxAge:    24 * time.Hour,
		FallbackMaxAge: time.Minute,
		LookupTimeout:  5 * time.Second,
	}
}

// Handler serves objects from a storage backend.
type Handler struct {
	storage backend.Backend
	cfg     Config
}

// NewHandler creates a proxy handler.
func NewHandler(storage backend.Backend, cfg Config) *Handler {
	d := DefaultConfig()

	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = d.CacheMaxAge
	}

	if cfg.FallbackMaxAge <= 0 {
		cfg.FallbackMaxAge = d.FallbackMaxAge
	}

	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = d.LookupTimeout
	}

	return &Handler{storage: storage, cfg: cfg}
}

// RegisterRoutes registers the proxy routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get(Prefix+"/{bucket}/*", h.GetObject)
	r.Head(Prefix+"/{bucket}/*", h.HeadObject)
}

// GetObject streams an object or its bucket's placeholder.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	bucketName, key, ok := h.target(w, r)
	if !ok {
		return
	}

	if !validKey(key) {
		h.serveFallback(w, r, bucketName, key, nil)
		return
	}

	reader, info, err := h.open(r.Context(), bucketName, key)
	if err != nil {
		h.serveFallback(w, r, bucketName, key, err)
		return
	}
	defer func() { _ = reader.Close() }()

	h.writeObjectHeaders(w, key, info)
	w.WriteHeader(http.StatusOK)

	metrics.RecordProxy(bucketName, false)

	if _, err := io.Copy(w, reader); err != nil {
		log.Warn().Err(err).Str("bucket", bucketName).Str("key", key).Msg("Proxy stream interrupted")
	}
}

// open starts reading an object. The read context is cancelled if the
// backend has not answered within LookupTimeout; once it has, the body
// streams under the request context alone.
func (h *Handler) open(ctx context.Context, bucketName, key string) (io.ReadCloser, *backend.ObjectInfo, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	timer := time.AfterFunc(h.cfg.LookupTimeout, func() { cancel(context.DeadlineExceeded) })

	reader, info, err := h.storage.GetObject(ctx, bucketName, key)
	if !timer.Stop() && err == nil {
		_ = reader.Close()
		err = context.Cause(ctx)
	}

	if err != nil {
		cancel(nil)
		return nil, nil, err
	}

	return &cancelReader{ReadCloser: reader, cancel: cancel}, info, nil
}

type cancelReader struct {
	io.ReadCloser
	cancel context.CancelCauseFunc
}

func (c *cancelReader) Close() error {
	err := c.ReadCloser.Close()
	c.cancel(nil)

	return err
}

// HeadObject reports an object's metadata or its placeholder's.
func (h *Handler) HeadObject(w http.ResponseWriter, r *http.Request) {
	bucketName, key, ok := h.target(w, r)
	if !ok {
		return
	}

	if !validKey(key) {
		h.serveFallback(w, r, bucketName, key, nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.cfg.LookupTimeout)
	defer cancel()

	info, err := h.storage.StatObject(ctx, bucketName, key)
	if err != nil {
		h.serveFallback(w, r, bucketName, key, err)
		return
	}

	h.writeObjectHeaders(w, key, info)
	w.WriteHeader(http.StatusOK)

	metrics.RecordProxy(bucketName, false)
}

// target extracts the bucket and key, answering 404 for unknown buckets.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	bucketName := chi.URLParam(r, "bucket")
	key := chi.URLParam(r, "*")

	// chi routes on the raw path when the request path needed escaping.
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(key); err == nil {
			key = unescaped
		}

		if unescaped, err := url.PathUnescape(bucketName); err == nil {
			bucketName = unescaped
		}
	}

	if !bucket.IsKnown(bucketName) {
		writeError(w, "unknown bucket: "+bucketName, http.StatusNotFound)
		return "", "", false
	}

	return bucketName, key, true
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return false
	}

	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return false
		}
	}

	return true
}

func (h *Handler) writeObjectHeaders(w http.ResponseWriter, key string, info *backend.ObjectInfo) {
	contentType := info.ContentType
	if contentType == "" {
		contentType = upload.ContentTypeFor(key)
	}

	w.Header().Set("Content-Type", contentType)

	if info.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	}

	if info.ETag != "" {
		w.Header().Set("ETag", quoteETag(info.ETag))
	}

	if !info.LastModified.IsZero() {
		w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}

	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cfg.CacheMaxAge.Seconds())))
	w.Header().Set("X-Content-Type-Options", "nosniff")
}

// serveFallback writes the placeholder for bucketName with status 200.
// Placeholder keys in the DEFAULT bucket map to the matching embedded image.
func (h *Handler) serveFallback(w http.ResponseWriter, r *http.Request, bucketName, key string, cause error) {
	name, data := placeholder.ForBucket(bucketName)

	if bucketName == bucket.Default && strings.HasPrefix(key, placeholder.KeyPrefix) {
		if embedded, ok := placeholder.Lookup(strings.TrimPrefix(key, placeholder.KeyPrefix)); ok {
			name, data = strings.TrimPrefix(key, placeholder.KeyPrefix), embedded
		}
	}

	switch {
	case cause == nil:
		log.Debug().Str("bucket", bucketName).Str("key", key).Msg("Proxy serving placeholder for invalid key")
	case backend.IsNotFound(cause):
		log.Debug().Str("bucket", bucketName).Str("key", key).Msg("Proxy object not found, serving placeholder")
	default:
		log.Warn().Err(cause).Str("bucket", bucketName).Str("key", key).Msg("Proxy storage read failed, serving placeholder")
		metrics.RecordError("proxy", "storage")
	}

	w.Header().Set("Content-Type", placeholder.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cfg.FallbackMaxAge.Seconds())))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Media-Placeholder", name)
	w.Header().Set(DefaultHeader, "true")
	w.WriteHeader(http.StatusOK)

	metrics.RecordProxy(bucketName, true)

	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, `W/"`) {
		return etag
	}

	return `"` + etag + `"`
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
