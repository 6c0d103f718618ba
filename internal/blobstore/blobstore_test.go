package blobstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutMovesIntoContentAddressedPath(t *testing.T) {
	root := t.TempDir()
	s, err := New(filepath.Join(root, "courses"))
	require.NoError(t, err)

	src := filepath.Join(root, "upload.ZIP")
	require.NoError(t, os.WriteFile(src, []byte("archive bytes"), 0o644))

	blob, err := s.Put(src)
	require.NoError(t, err)
	assert.True(t, blob.Created)
	assert.Len(t, blob.Checksum, 64)
	assert.Equal(t, int64(13), blob.Size)
	assert.Equal(t, filepath.Join(s.Root(), blob.Checksum[:2], blob.Checksum+".zip"), blob.Path)
	assert.NoFileExists(t, src)
	assert.FileExists(t, blob.Path)
}

func TestPutDeduplicatesIdenticalContent(t *testing.T) {
	root := t.TempDir()
	s, err := New(filepath.Join(root, "courses"))
	require.NoError(t, err)

	a := filepath.Join(root, "a.zip")
	b := filepath.Join(root, "b.zip")
	require.NoError(t, os.WriteFile(a, []byte("same"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("same"), 0o644))

	first, err := s.Put(a)
	require.NoError(t, err)
	second, err := s.Put(b)
	require.NoError(t, err)

	assert.Equal(t, first.Path, second.Path)
	assert.False(t, second.Created)
	assert.NoFileExists(t, b)
}

func TestChecksumIsKeyed(t *testing.T) {
	sum, n, err := Checksum(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	// Unkeyed BLAKE3 of the empty input.
	assert.NotEqual(t, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262", sum)
}

func TestRemoveRefusesOutsideRoot(t *testing.T) {
	root := t.TempDir()
	s, err := New(filepath.Join(root, "courses"))
	require.NoError(t, err)

	outside := filepath.Join(root, "keep.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))

	assert.Error(t, s.Remove(outside))
	assert.FileExists(t, outside)
	assert.NoError(t, s.Remove(filepath.Join(s.Root(), "ab", "missing.zip")))
}
