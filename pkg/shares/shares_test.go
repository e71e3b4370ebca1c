package shares

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int64) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())
}

func TestIndexResolvesBackslashNames(t *testing.T) {
	dir := t.TempDir()
	share := filepath.Join(dir, "Music")
	writeFile(t, filepath.Join(share, "Albums", "track.mp3"), 1234)

	idx, err := NewIndex(Config{Directories: []string{share}})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len())

	r, err := idx.Resolve(`Music\Albums\track.mp3`)
	require.NoError(t, err)
	assert.Equal(t, LocalHost, r.Host)
	assert.Equal(t, filepath.Join(share, "Albums", "track.mp3"), r.LocalPath)
	assert.Equal(t, int64(1234), r.Size)

	_, err = idx.Resolve(`Music\missing.mp3`)
	assert.ErrorIs(t, err, ErrNotShared)
}

func TestIndexRescanPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	share := filepath.Join(dir, "Music")
	writeFile(t, filepath.Join(share, "a.mp3"), 10)

	idx, err := NewIndex(Config{Directories: []string{share}})
	require.NoError(t, err)
	require.Equal(t, 1, idx.Len())

	writeFile(t, filepath.Join(share, "b.mp3"), 20)
	require.NoError(t, idx.scan())

	assert.Equal(t, 2, idx.Len())
	_, err = idx.Resolve(`Music\b.mp3`)
	assert.NoError(t, err)
}

func TestIndexMissingDirectoryIsNotFatal(t *testing.T) {
	idx, err := NewIndex(Config{Directories: []string{filepath.Join(t.TempDir(), "gone")}})
	require.NoError(t, err)
	assert.Equal(t, 0, idx.Len())
}
