package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/ledger"
	"github.com/piwi3910/assetbridge/internal/testutil/mocks"
)

type mockLedger struct {
	err      error
	stats    ledger.Stats
	statsErr error
	calls    atomic.Int32
}

func (m *mockLedger) Ping(ctx context.Context) error {
	m.calls.Add(1)
	return m.err
}

func (m *mockLedger) Stats(ctx context.Context) (ledger.Stats, error) {
	return m.stats, m.statsErr
}

func TestNewChecker(t *testing.T) {
	checker := NewChecker(&mockLedger{}, mocks.NewMockStorageBackend())

	require.NotNil(t, checker)
	assert.Equal(t, 5*time.Second, checker.cacheTTL)
}

func TestCheckHealthy(t *testing.T) {
	checker := NewChecker(&mockLedger{}, mocks.NewMockStorageBackend())

	status := checker.Check(context.Background())

	assert.Equal(t, StatusHealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["ledger"].Status)
	assert.Equal(t, StatusHealthy, status.Checks["storage"].Status)
	assert.Equal(t, StatusHealthy, status.Checks["backlog"].Status)
	assert.False(t, status.Timestamp.IsZero())
}

func TestCheckBacklog(t *testing.T) {
	tests := []struct {
		name    string
		ledger  *mockLedger
		want    Status
		message string
	}{
		{"empty", &mockLedger{}, StatusHealthy, "0 pending, 0 failed, 0 migrated"},
		{"pending only", &mockLedger{stats: ledger.Stats{Pending: 3, Migrated: 7}}, StatusHealthy, "3 pending, 0 failed, 7 migrated"},
		{"failures degrade", &mockLedger{stats: ledger.Stats{Failed: 2, Migrated: 5}}, StatusDegraded, "0 pending, 2 failed, 5 migrated"},
		{"stats error", &mockLedger{statsErr: errors.New("locked")}, StatusDegraded, "locked"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := NewChecker(tt.ledger, mocks.NewMockStorageBackend()).CheckBacklog(context.Background())

			assert.Equal(t, tt.want, check.Status)
			assert.Contains(t, check.Message, tt.message)
		})
	}
}

func TestFailedMigrationsDegradeButStayServing(t *testing.T) {
	checker := NewChecker(&mockLedger{stats: ledger.Stats{Failed: 1}}, mocks.NewMockStorageBackend())

	rec := httptest.NewRecorder()
	NewHandler(checker).DetailedHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

func TestCheckLedgerDown(t *testing.T) {
	checker := NewChecker(&mockLedger{err: errors.New("connection refused")}, mocks.NewMockStorageBackend())

	status := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Contains(t, status.Checks["ledger"].Message, "connection refused")
}

func TestCheckStorageDownIsDegraded(t *testing.T) {
	storage := mocks.NewMockStorageBackend()
	storage.SetObjectExistsError(errors.New("endpoint unreachable"))

	checker := NewChecker(&mockLedger{}, storage)

	status := checker.Check(context.Background())

	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusDegraded, status.Checks["storage"].Status)
}

func TestCheckNilDependencies(t *testing.T) {
	checker := NewChecker(nil, nil)

	status := checker.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.False(t, checker.IsReady(context.Background()))
}

func TestCheckIsCached(t *testing.T) {
	ledger := &mockLedger{}
	checker := NewChecker(ledger, mocks.NewMockStorageBackend())

	first := checker.Check(context.Background())
	second := checker.Check(context.Background())

	assert.Same(t, first, second)
	assert.Equal(t, int32(1), ledger.calls.Load())

	checker.SetCacheTTL(0)
	checker.Check(context.Background())
	assert.Equal(t, int32(2), ledger.calls.Load())
}

func TestDetermineOverallStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"empty", map[string]Check{}, StatusHealthy},
		{"all healthy", map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusHealthy}}, StatusHealthy},
		{"one degraded", map[string]Check{"a": {Status: StatusHealthy}, "b": {Status: StatusDegraded}}, StatusDegraded},
		{"unhealthy wins", map[string]Check{"a": {Status: StatusDegraded}, "b": {Status: StatusUnhealthy}}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, determineOverallStatus(tt.checks))
		})
	}
}

func TestHandlers(t *testing.T) {
	healthy := NewHandler(NewChecker(&mockLedger{}, mocks.NewMockStorageBackend()))
	broken := NewHandler(NewChecker(&mockLedger{err: errors.New("down")}, mocks.NewMockStorageBackend()))

	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantBody string
	}{
		{"live", healthy.LivenessHandler, http.StatusOK, "ok"},
		{"ready", healthy.ReadinessHandler, http.StatusOK, "ready"},
		{"not ready", broken.ReadinessHandler, http.StatusServiceUnavailable, "not ready"},
		{"detailed healthy", healthy.DetailedHandler, http.StatusOK, "healthy"},
		{"detailed unhealthy", broken.DetailedHandler, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}
