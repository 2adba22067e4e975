package mocks

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/assetbridge/internal/storage/backend"
)

func TestMockStorageBackend_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMockStorageBackend()

	_, err := m.PutObject(ctx, "FORUM", "forum/a.png", bytes.NewReader([]byte("abc")), 3, "image/png")
	require.NoError(t, err)

	rc, info, err := m.GetObject(ctx, "FORUM", "forum/a.png")
	require.NoError(t, err)

	data, _ := io.ReadAll(rc)
	assert.Equal(t, "abc", string(data))
	assert.Equal(t, "image/png", info.ContentType)
	assert.Equal(t, 1, m.PutCalls())
	assert.Equal(t, 1, m.ObjectCount())
}

func TestMockStorageBackend_NotFound(t *testing.T) {
	m := NewMockStorageBackend()

	_, _, err := m.GetObject(context.Background(), "FORUM", "forum/none.png")
	assert.ErrorIs(t, err, backend.ErrObjectNotFound)

	_, err = m.StatObject(context.Background(), "FORUM", "forum/none.png")
	assert.ErrorIs(t, err, backend.ErrObjectNotFound)
}

func TestMockStorageBackend_FailPuts(t *testing.T) {
	ctx := context.Background()
	m := NewMockStorageBackend()
	boom := errors.New("connection reset")
	m.FailPuts(2, boom)

	for range 2 {
		_, err := m.PutObject(ctx, "DEFAULT", "banner/a.jpg", bytes.NewReader([]byte("x")), 1, "")
		assert.ErrorIs(t, err, boom)
	}

	_, err := m.PutObject(ctx, "DEFAULT", "banner/a.jpg", bytes.NewReader([]byte("x")), 1, "")
	require.NoError(t, err)
	assert.Equal(t, 3, m.PutCalls())
}

func TestMockStorageBackend_ErrorInjection(t *testing.T) {
	ctx := context.Background()
	m := NewMockStorageBackend()
	boom := errors.New("boom")

	m.SetObjectExistsError(boom)
	_, err := m.ObjectExists(ctx, "DEFAULT", "k")
	assert.ErrorIs(t, err, boom)

	m.SetListObjectsError(boom)
	_, err = m.ListObjects(ctx, "DEFAULT", "")
	assert.ErrorIs(t, err, boom)

	m.SetDeleteObjectError(boom)
	assert.ErrorIs(t, m.DeleteObject(ctx, "DEFAULT", "k"), boom)
}
