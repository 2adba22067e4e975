package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/bucket"
	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/resolver"
	"github.com/piwi3910/assetbridge/internal/testutil"
	"github.com/piwi3910/assetbridge/internal/testutil/mocks"
	"github.com/piwi3910/assetbridge/internal/upload"
	"github.com/piwi3910/assetbridge/internal/verify"
)

type fakeResolver struct {
	gotRef, gotType string
}

func (f *fakeResolver) Resolve(_ context.Context, ref, mediaType string) resolver.ResolvedAsset {
	f.gotRef, f.gotType = ref, mediaType

	return resolver.ResolvedAsset{
		URL:       "/storage-proxy/DEFAULT/placeholders/default-image.svg",
		Source:    resolver.SourceDefault,
		Bucket:    bucket.Default,
		Key:       "placeholders/default-image.svg",
		IsDefault: true,
	}
}

type fakeLedger struct {
	stats   ledger.Stats
	records []*ledger.Record
	err     error
	status  ledger.Status
	limit   int
}

func (f *fakeLedger) Stats(context.Context) (ledger.Stats, error) {
	return f.stats, f.err
}

func (f *fakeLedger) ListByStatus(_ context.Context, status ledger.Status, limit int) ([]*ledger.Record, error) {
	f.status, f.limit = status, limit
	return f.records, f.err
}

type fakeVerifier struct {
	report verify.Report
	err    error
	limit  int
}

func (f *fakeVerifier) VerifyPending(_ context.Context, limit int) (verify.Report, error) {
	f.limit = limit
	return f.report, f.err
}

type fixture struct {
	router   http.Handler
	storage  *mocks.MockStorageBackend
	resolver *fakeResolver
	ledger   *fakeLedger
	verifier *fakeVerifier
}

func newFixture(t *testing.T, withVerifier bool, maxUpload int64) *fixture {
	t.Helper()

	f := &fixture{
		storage:  mocks.NewMockStorageBackend(),
		resolver: &fakeResolver{},
		ledger:   &fakeLedger{},
		verifier: &fakeVerifier{},
	}

	cfg := upload.DefaultConfig()
	cfg.BaseURL = "/storage-proxy"
	cfg.BaseDelay = time.Millisecond
	cfg.MaxAttempts = 2

	uploader := upload.New(f.storage, bucket.DefaultRouter(), cfg)

	var v Verifier
	if withVerifier {
		v = f.verifier
	}

	r := chi.NewRouter()
	r.Route("/api/v1", NewHandler(f.resolver, uploader, f.ledger, v, Config{MaxUploadSize: maxUpload}).RegisterRoutes)
	f.router = r

	return f
}

func do(t *testing.T, h http.Handler, method, target string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, target, body))

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())

	return v
}

func TestResolve(t *testing.T) {
	f := newFixture(t, true, 0)

	rec := do(t, f.router, http.MethodGet, "/api/v1/resolve?ref=%2Fuploads%2Fforum%2Fa.png&type=forum", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/uploads/forum/a.png", f.resolver.gotRef)
	assert.Equal(t, "forum", f.resolver.gotType)

	got := decode[resolver.ResolvedAsset](t, rec)
	assert.True(t, got.IsDefault)
	assert.Equal(t, resolver.SourceDefault, got.Source)
}

func TestResolveRequiresRef(t *testing.T) {
	f := newFixture(t, true, 0)

	rec := do(t, f.router, http.MethodGet, "/api/v1/resolve?type=forum", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveRejectsInvalidType(t *testing.T) {
	for _, mediaType := range []string{"..", "a%2Fb", "forum%5C.."} {
		t.Run(mediaType, func(t *testing.T) {
			f := newFixture(t, true, 0)

			rec := do(t, f.router, http.MethodGet, "/api/v1/resolve?ref=a.png&type="+mediaType, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, f.resolver.gotRef, "resolver must not run")
		})
	}
}

func TestUploadMedia(t *testing.T) {
	f := newFixture(t, true, 0)

	rec := do(t, f.router, http.MethodPut, "/api/v1/media/calendar/banner-1.jpg", bytes.NewReader(testutil.JPEG))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	res := decode[upload.Result](t, rec)
	assert.Equal(t, bucket.Calendar, res.Bucket)
	assert.Equal(t, "calendar/banner-1.jpg", res.Key)
	assert.Equal(t, "/storage-proxy/CALENDAR/calendar/banner-1.jpg", res.URL)
	assert.Equal(t, int64(len(testutil.JPEG)), res.Size)

	stored, ok := f.storage.GetStoredObject(bucket.Calendar, "calendar/banner-1.jpg")
	require.True(t, ok)
	assert.Equal(t, testutil.JPEG, stored)

	// A second upload finds the object and writes nothing.
	rec = do(t, f.router, http.MethodPut, "/api/v1/media/calendar/banner-1.jpg", bytes.NewReader(testutil.PNG))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[upload.Result](t, rec).Existed)

	stored, _ = f.storage.GetStoredObject(bucket.Calendar, "calendar/banner-1.jpg")
	assert.Equal(t, testutil.JPEG, stored)
}

func TestUploadMediaErrors(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		body     []byte
		setup    func(*mocks.MockStorageBackend)
		wantCode int
	}{
		{
			name:     "too large",
			target:   "/api/v1/media/forum/big.png",
			body:     bytes.Repeat([]byte("x"), 64),
			wantCode: http.StatusRequestEntityTooLarge,
		},
		{
			name:     "invalid filename",
			target:   "/api/v1/media/forum/..",
			body:     testutil.PNG,
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "invalid media type",
			target:   "/api/v1/media/../a.png",
			body:     testutil.PNG,
			wantCode: http.StatusBadRequest,
		},
		{
			name:   "storage down",
			target: "/api/v1/media/forum/a.png",
			body:   testutil.PNG,
			setup: func(m *mocks.MockStorageBackend) {
				m.SetPutObjectError(errors.New("connection refused"))
			},
			wantCode: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, true, 32)
			if tt.setup != nil {
				tt.setup(f.storage)
			}

			rec := do(t, f.router, http.MethodPut, tt.target, bytes.NewReader(tt.body))
			assert.Equal(t, tt.wantCode, rec.Code, rec.Body.String())
			assert.Contains(t, decode[map[string]string](t, rec), "error")
		})
	}
}

func TestUploadMediaChunkedBodyOverLimit(t *testing.T) {
	f := newFixture(t, true, 32)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/media/forum/big.png",
		io.MultiReader(strings.NewReader(strings.Repeat("x", 100))))
	req.ContentLength = -1

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.storage.ObjectCount())
}

func TestLedgerStats(t *testing.T) {
	f := newFixture(t, true, 0)
	f.ledger.stats = ledger.Stats{Total: 3, Pending: 1, Migrated: 2, Verified: 1}

	rec := do(t, f.router, http.MethodGet, "/api/v1/ledger/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.ledger.stats, decode[ledger.Stats](t, rec))

	f.ledger.err = errors.New("db down")
	rec = do(t, f.router, http.MethodGet, "/api/v1/ledger/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListRecords(t *testing.T) {
	f := newFixture(t, true, 0)
	f.ledger.records = []*ledger.Record{{ID: "r1", Status: ledger.StatusPending, SourceLocation: "/a.png"}}

	rec := do(t, f.router, http.MethodGet, "/api/v1/ledger/records?status=pending&limit=5000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.StatusPending, f.ledger.status)
	assert.Equal(t, maxListLimit, f.ledger.limit)

	body := decode[struct {
		Count   int              `json:"count"`
		Records []*ledger.Record `json:"records"`
	}](t, rec)
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "r1", body.Records[0].ID)

	rec = do(t, f.router, http.MethodGet, "/api/v1/ledger/records", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.StatusFailed, f.ledger.status)
	assert.Equal(t, defaultListLimit, f.ledger.limit)

	assert.Equal(t, http.StatusBadRequest, do(t, f.router, http.MethodGet, "/api/v1/ledger/records?status=DONE", nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, f.router, http.MethodGet, "/api/v1/ledger/records?limit=-1", nil).Code)
}

func TestListRecordsEmptyIsArray(t *testing.T) {
	f := newFixture(t, true, 0)

	rec := do(t, f.router, http.MethodGet, "/api/v1/ledger/records?status=MIGRATED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"records":[]`)
}

func TestVerify(t *testing.T) {
	f := newFixture(t, true, 0)
	f.verifier.report = verify.Report{Checked: 2, Verified: 2}

	rec := do(t, f.router, http.MethodPost, "/api/v1/verify?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 10, f.verifier.limit)
	assert.Equal(t, 2, decode[verify.Report](t, rec).Verified)

	rec = do(t, f.router, http.MethodPost, "/api/v1/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultVerifyLimit, f.verifier.limit)

	f.verifier.err = errors.New("ledger unavailable")
	rec = do(t, f.router, http.MethodPost, "/api/v1/verify", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestVerifyDisabled(t *testing.T) {
	f := newFixture(t, false, 0)

	rec := do(t, f.router, http.MethodPost, "/api/v1/verify", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOpenAPI(t *testing.T) {
	f := newFixture(t, true, 0)

	rec := do(t, f.router, http.MethodGet, "/api/v1/openapi", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	spec := decode[map[string]any](t, rec)
	assert.Equal(t, "3.0.3", spec["openapi"])

	paths, ok := spec["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/storage-proxy/{bucket}/{key}")
	assert.Contains(t, paths, "/api/v1/resolve")

	rec = do(t, f.router, http.MethodGet, "/api/v1/openapi?format=yaml", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-yaml", rec.Header().Get("Content-Type"))
	assert.Equal(t, OpenAPISpec, rec.Body.Bytes())
}

func TestOpenAPIInvalidYAML(t *testing.T) {
	h := NewOpenAPIHandler([]byte("openapi: [unterminated"))

	rec := httptest.NewRecorder()
	h.ServeOpenAPI(rec, httptest.NewRequest(http.MethodGet, "/api/v1/openapi", nil))

	assert.Equal(t, "{}", rec.Body.String())
}
