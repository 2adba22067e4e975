package httputil

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/metrics"
)

func TestNewTransport_AppliesDefaultsForZeroValues(t *testing.T) {
	tr := NewTransport(TransportConfig{})

	assert.Equal(t, DefaultMaxIdleConns, tr.MaxIdleConns)
	assert.Equal(t, DefaultMaxIdleConnsPerHost, tr.MaxIdleConnsPerHost)
	assert.Equal(t, DefaultIdleConnTimeout, tr.IdleConnTimeout)
	require.NotNil(t, tr.TLSClientConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), tr.TLSClientConfig.MinVersion)
	assert.False(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestNewTransport_WithCustomConfig(t *testing.T) {
	tr := NewTransport(TransportConfig{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     5 * time.Second,
		SkipTLSVerify:       true,
	})

	assert.Equal(t, 10, tr.MaxIdleConns)
	assert.Equal(t, 4, tr.MaxIdleConnsPerHost)
	assert.Equal(t, 5*time.Second, tr.IdleConnTimeout)
	assert.True(t, tr.TLSClientConfig.InsecureSkipVerify)
}

func TestNewClient_HasNoGlobalTimeout(t *testing.T) {
	c := NewClient(TransportConfig{})

	assert.Zero(t, c.Timeout)
	_, ok := c.Transport.(*http.Transport)
	assert.True(t, ok)
}

func TestNewClient_RecordsStorageRequests(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ok := metrics.StorageRequestsTotal.WithLabelValues("test-backend", http.MethodHead, "2xx")
	notFound := metrics.StorageRequestsTotal.WithLabelValues("test-backend", http.MethodHead, "4xx")
	okBefore, notFoundBefore := promtest.ToFloat64(ok), promtest.ToFloat64(notFound)

	c := NewClient(TransportConfig{Backend: "test-backend"})

	for _, path := range []string{"/object", "/missing"} {
		req, err := http.NewRequest(http.MethodHead, srv.URL+path, nil)
		require.NoError(t, err)

		resp, err := c.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	assert.Equal(t, okBefore+1, promtest.ToFloat64(ok))
	assert.Equal(t, notFoundBefore+1, promtest.ToFloat64(notFound))
}

func TestNewRoundTripper_PlainWithoutBackend(t *testing.T) {
	_, ok := NewRoundTripper(TransportConfig{}).(*http.Transport)
	assert.True(t, ok)

	_, ok = NewRoundTripper(TransportConfig{Backend: "minio"}).(*meteredTransport)
	assert.True(t, ok)
}
