package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Media fixtures carrying real file signatures so content sniffing recognises them.
var (
	// PNG is a PNG signature followed by an IHDR chunk header.
	PNG = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

	// JPEG is a JFIF header.
	JPEG = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00\xff\xd9")

	// MP4 is an ISO base media ftyp box.
	MP4 = []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom\x00\x00\x00\x08free")

	// Text is plain text, useful as a wrong-family payload.
	Text = []byte("this is not an image, just some plain text content\n")
)

// WriteTree creates files under a fresh temporary directory and returns its path.
// Keys are slash-separated paths relative to the root.
func WriteTree(t *testing.T, files map[string][]byte) string {
	t.Helper()

	root := t.TempDir()
	AddFiles(t, root, files)

	return root
}

// AddFiles writes files below an existing root.
func AddFiles(t *testing.T, root string, files map[string][]byte) {
	t.Helper()

	for rel, data := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
		require.NoError(t, os.WriteFile(path, data, 0o600))
	}
}
