package testutil

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

// RequireEventually polls condition every tick until it holds, failing the
// test once timeout has passed.
func RequireEventually(t *testing.T, condition func() bool, timeout, tick time.Duration, msgAndArgs ...interface{}) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for !condition() {
		if time.Now().After(deadline) {
			require.Fail(t, "condition not met within "+timeout.String(), msgAndArgs...)
		}

		time.Sleep(tick)
	}
}

// RequireObject reads bucket/key from storage and fails unless it holds want.
// It returns the stored object info.
func RequireObject(t *testing.T, storage backend.Backend, bucket, key string, want []byte) *backend.ObjectInfo {
	t.Helper()

	rc, info, err := storage.GetObject(context.Background(), bucket, key)
	require.NoError(t, err, "object %s/%s", bucket, key)

	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, want, got, "object %s/%s content", bucket, key)

	return info
}
