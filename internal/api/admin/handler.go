// Package admin implements the JSON API: resolution, direct uploads, ledger
// views and on-demand verification.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/resolver"
	"github.com/piwi3910/assetbridge/internal/upload"
	"github.com/piwi3910/assetbridge/internal/verify"
)

const (
	defaultListLimit   = 100
	maxListLimit       = 1000
	defaultVerifyLimit = 500
)

// Resolver resolves logical references.
type Resolver interface {
	Resolve(ctx context.Context, logicalRef, mediaType string) resolver.ResolvedAsset
}

// Ledger is the read-only view of the migration ledger.
type Ledger interface {
	Stats(ctx context.Context) (ledger.Stats, error)
	ListByStatus(ctx context.Context, status ledger.Status, limit int) ([]*ledger.Record, error)
}

// Verifier runs verification passes.
type Verifier interface {
	VerifyPending(ctx context.Context, limit int) (verify.Report, error)
}

// Config holds API settings.
type Config struct {
	// MaxUploadSize caps direct upload bodies in bytes.
	MaxUploadSize int64
}

// Handler serves the /api/v1 routes.
type Handler struct {
	resolver Resolver
	uploader *upload.Uploader
	ledger   Ledger
	verifier Verifier
	cfg      Config
}

// NewHandler creates an API handler. The verifier may be nil, in which case
// the verify route answers 503.
func NewHandler(res Resolver, uploader *upload.Uploader, l Ledger, verifier Verifier, cfg Config) *Handler {
	if cfg.MaxUploadSize <= 0 {
		cfg.MaxUploadSize = upload.DefaultConfig().MaxBufferSize
	}

	return &Handler{
		resolver: res,
		uploader: uploader,
		ledger:   l,
		verifier: verifier,
		cfg:      cfg,
	}
}

// RegisterRoutes registers the API routes on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/resolve", h.Resolve)
	r.Put("/media/{mediaType}/{filename}", h.UploadMedia)

	r.Route("/ledger", func(r chi.Router) {
		r.Get("/stats", h.LedgerStats)
		r.Get("/records", h.ListRecords)
	})

	r.Post("/verify", h.Verify)

	r.Get("/openapi", NewOpenAPIHandler(OpenAPISpec).ServeOpenAPI)
}

// Resolve answers GET /resolve?ref=&type=. It always resolves, falling back
// to a placeholder.
func (h *Handler) Resolve(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(r.URL.Query().Get("ref"))
	if ref == "" {
		writeError(w, "ref is required", http.StatusBadRequest)
		return
	}

	mediaType := r.URL.Query().Get("type")
	if err := bucket.ValidateType(mediaType); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, h.resolver.Resolve(r.Context(), ref, mediaType))
}

// UploadMedia answers PUT /media/{mediaType}/{filename}. The ledger is not
// touched: direct uploads are new media, not migrations.
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	mediaType := chi.URLParam(r, "mediaType")
	filename := chi.URLParam(r, "filename")

	if r.ContentLength > h.cfg.MaxUploadSize {
		writeError(w, "upload exceeds size limit", http.StatusRequestEntityTooLarge)
		return
	}

	body := http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadSize)
	defer func() { _ = body.Close() }()

	res, err := h.uploader.Upload(r.Context(), body, mediaType, filename)
	if err != nil {
		status, message := uploadErrorStatus(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("media_type", mediaType).Str("filename", filename).Msg("Direct upload failed")
		}

		writeError(w, message, status)

		return
	}

	status := http.StatusCreated
	if res.Existed {
		status = http.StatusOK
	}

	writeJSON(w, status, res)
}

func uploadErrorStatus(err error) (int, string) {
	var maxBytes *http.MaxBytesError

	switch {
	case errors.Is(err, bucket.ErrInvalidFilename), errors.Is(err, bucket.ErrInvalidMediaType):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, upload.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "upload exceeds size limit"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "upload cancelled"
	default:
		return http.StatusBadGateway, "object storage unavailable"
	}
}

// LedgerStats answers GET /ledger/stats.
func (h *Handler) LedgerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to read ledger stats")
		writeError(w, "ledger unavailable", http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// ListRecords answers GET /ledger/records?status=&limit=.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	status := ledger.Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	if status == "" {
		status = ledger.StatusFailed
	}

	if !status.Valid() {
		writeError(w, "invalid status: "+string(status), http.StatusBadRequest)
		return
	}

	limit, ok := parseLimit(r, defaultListLimit, maxListLimit)
	if !ok {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}

	records, err := h.ledger.ListByStatus(r.Context(), status, limit)
	if err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("Failed to list ledger records")
		writeError(w, "ledger unavailable", http.StatusServiceUnavailable)

		return
	}

	if records == nil {
		records = []*ledger.Record{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"count":   len(records),
		"records": records,
	})
}

// Verify answers POST /verify?limit= with a verification report.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, "verification is disabled", http.StatusServiceUnavailable)
		return
	}

	limit, ok := parseLimit(r, defaultVerifyLimit, 0)
	if !ok {
		writeError(w, "invalid limit", http.StatusBadRequest)
		return
	}

	report, err := h.verifier.VerifyPending(r.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("On-demand verification failed")
		writeError(w, "verification failed: "+err.Error(), http.StatusServiceUnavailable)

		return
	}

	writeJSON(w, http.StatusOK, report)
}

// parseLimit reads ?limit=. A zero ceiling means unbounded.
func parseLimit(r *http.Request, def, ceiling int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}

	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}

	if ceiling > 0 && n > ceiling {
		n = ceiling
	}

	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
