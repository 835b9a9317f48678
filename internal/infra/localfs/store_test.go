package localfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreFetchSource(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "clips"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "clips", "a.mp4"), []byte("abc"), 0o644))

	s := NewStore(root)
	src, err := s.FetchSource(context.Background(), "clips/a.mp4")
	require.NoError(t, err)
	assert.Equal(t, "a.mp4", src.Filename)
	assert.Equal(t, []byte("abc"), src.Data)

	_, err = s.FetchSource(context.Background(), "clips/missing.mp4")
	assert.Error(t, err)
}

func TestStoreStaysInsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "sources")
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.mp4"), []byte("x"), 0o644))

	_, err := NewStore(root).FetchSource(context.Background(), "../secret.mp4")
	assert.Error(t, err)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.mkv")
	require.NoError(t, os.WriteFile(path, []byte("mkv"), 0o644))

	src, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "b.mkv", src.Filename)
}
