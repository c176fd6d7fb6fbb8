package files

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSourceStat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("abcdef"), 0o600))

	src := LocalSource{}

	info, err := src.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.Equal(t, int64(6), info.Size)

	info, err = src.Stat(filepath.Join(dir, "missing.jpg"))
	require.NoError(t, err, "a missing file is a validation outcome, not an I/O error")
	assert.False(t, info.Exists)
}

func TestSpool(t *testing.T) {
	dir := t.TempDir()

	t.Run("writes body and sniffs content type", func(t *testing.T) {
		// A minimal PNG header makes the sniffer land on image/png.
		body := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 100)...)
		sp, err := Spool(dir, bytes.NewReader(body), 1<<20, "photo.png")
		require.NoError(t, err)
		t.Cleanup(func() { os.Remove(sp.Path) })

		assert.Equal(t, int64(len(body)), sp.Size)
		assert.Equal(t, "image/png", sp.ContentType)
		assert.Equal(t, "photo.png", sp.Filename)

		written, err := os.ReadFile(sp.Path)
		require.NoError(t, err)
		assert.Equal(t, body, written)
	})

	t.Run("rejects empty body", func(t *testing.T) {
		_, err := Spool(dir, bytes.NewReader(nil), 1<<20, "empty.jpg")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty")
	})

	t.Run("enforces the size limit", func(t *testing.T) {
		body := strings.NewReader(strings.Repeat("x", 2048))
		_, err := Spool(dir, body, 1024, "big.jpg")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceeds limit")
	})

	t.Run("discards partial files on failure", func(t *testing.T) {
		scratch := t.TempDir()
		body := strings.NewReader(strings.Repeat("x", 2048))
		_, err := Spool(scratch, body, 1024, "big.jpg")
		require.Error(t, err)

		entries, err := os.ReadDir(scratch)
		require.NoError(t, err)
		assert.Empty(t, entries, "a failed spool must not leave partial files behind")
	})
}
