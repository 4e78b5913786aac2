package tool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS_WriteCreatesParentsAtomically(t *testing.T) {
	fs := NewLocalFS()
	path := filepath.Join(t.TempDir(), "a", "b", "notes.md")

	require.NoError(t, fs.WriteFile(path, []byte("v1")))
	require.NoError(t, fs.WriteFile(path, []byte("v2")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files are left behind")
	assert.Equal(t, "notes.md", entries[0].Name())
}

func TestLocalFS_ReadFileLimit(t *testing.T) {
	fs := NewLocalFS()
	path := filepath.Join(t.TempDir(), "big.txt")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 10)), 0o644))

	data, truncated, err := fs.ReadFile(path, 4)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Equal(t, "xxxx", string(data))

	data, truncated, err = fs.ReadFile(path, 10)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, data, 10)

	_, _, err = fs.ReadFile(filepath.Dir(path), 4)
	assert.ErrorContains(t, err, "is a directory")
}

func TestLocalFS_ReadDirMissing(t *testing.T) {
	_, err := NewLocalFS().ReadDir(filepath.Join(t.TempDir(), "nope"))
	assert.EqualError(t, err, "no such directory: nope")
}
