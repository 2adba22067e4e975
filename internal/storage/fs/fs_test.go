package fs

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()

	b, err := New(Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, b.Init(context.Background()))

	return b
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	data := []byte("\x89PNG\r\n\x1a\nfake image body")

	res, err := b.PutObject(ctx, "CALENDAR", "calendar/banner-1.png", bytes.NewReader(data), int64(len(data)), "image/png")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.NotEmpty(t, res.ETag)

	rc, info, err := b.GetObject(ctx, "CALENDAR", "calendar/banner-1.png")
	require.NoError(t, err)

	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, "image/png", info.ContentType)
	assert.Equal(t, res.ETag, info.ETag)
	assert.Equal(t, int64(len(data)), info.Size)
}

func TestGetMissingObject(t *testing.T) {
	b := newTestBackend(t)

	_, _, err := b.GetObject(context.Background(), "FORUM", "forum/nope.png")
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrObjectNotFound)

	_, err = b.StatObject(context.Background(), "FORUM", "forum/nope.png")
	assert.ErrorIs(t, err, backend.ErrObjectNotFound)
}

func TestObjectExists(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	exists, err := b.ObjectExists(ctx, "SALE", "real_estate/house.jpg")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = b.PutObject(ctx, "SALE", "real_estate/house.jpg", bytes.NewReader([]byte("x")), 1, "image/jpeg")
	require.NoError(t, err)

	exists, err = b.ObjectExists(ctx, "SALE", "real_estate/house.jpg")
	require.NoError(t, err)
	assert.True(t, exists)

	// A directory prefix is not an object.
	exists, err = b.ObjectExists(ctx, "SALE", "real_estate")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPutOverwritesLastWriteWins(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.PutObject(ctx, "DEFAULT", "banner/a.jpg", bytes.NewReader([]byte("one")), 3, "image/jpeg")
	require.NoError(t, err)
	_, err = b.PutObject(ctx, "DEFAULT", "banner/a.jpg", bytes.NewReader([]byte("two")), 3, "image/jpeg")
	require.NoError(t, err)

	rc, _, err := b.GetObject(ctx, "DEFAULT", "banner/a.jpg")
	require.NoError(t, err)

	defer rc.Close()

	got, _ := io.ReadAll(rc)
	assert.Equal(t, "two", string(got))
}

func TestPutShortWrite(t *testing.T) {
	b := newTestBackend(t)

	_, err := b.PutObject(context.Background(), "DEFAULT", "banner/a.jpg", bytes.NewReader([]byte("abc")), 10, "image/jpeg")
	require.Error(t, err)

	exists, err := b.ObjectExists(context.Background(), "DEFAULT", "banner/a.jpg")
	require.NoError(t, err)
	assert.False(t, exists, "partial object must not be visible")
}

func TestPutCancelledContext(t *testing.T) {
	b := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.PutObject(ctx, "DEFAULT", "banner/a.jpg", bytes.NewReader([]byte("abc")), 3, "image/jpeg")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestInvalidKeys(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()

	for _, key := range []string{"", "/abs", "../escape", "a/../../b", `a\b`, "a//b", "a/.tmp-x"} {
		t.Run(key, func(t *testing.T) {
			_, err := b.PutObject(ctx, "DEFAULT", key, bytes.NewReader(nil), 0, "")
			assert.ErrorIs(t, err, backend.ErrPermanent)
		})
	}

	_, err := b.PutObject(ctx, "../etc", "a", bytes.NewReader(nil), 0, "")
	assert.ErrorIs(t, err, backend.ErrPermanent)
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for _, key := range []string{"forum/b.png", "forum/a.png", "avatar/c.png"} {
		_, err := b.PutObject(ctx, "FORUM", key, bytes.NewReader([]byte("x")), 1, "image/png")
		require.NoError(t, err)
	}

	keys, err := b.ListObjects(ctx, "FORUM", "forum/")
	require.NoError(t, err)
	assert.Equal(t, []string{"forum/a.png", "forum/b.png"}, keys)

	all, err := b.ListObjects(ctx, "FORUM", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, b.DeleteObject(ctx, "FORUM", "avatar/c.png"))
	require.NoError(t, b.DeleteObject(ctx, "FORUM", "avatar/c.png"), "deleting twice is fine")

	_, err = os.Stat(filepath.Join(b.bucketPath("FORUM"), "objects", "avatar"))
	assert.True(t, os.IsNotExist(err), "empty directories are cleaned up")

	empty, err := b.ListObjects(ctx, "COMMUNITY", "")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
