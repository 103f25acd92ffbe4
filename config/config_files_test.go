package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReadConfigFiles_SimpleFile(t *testing.T) {
	dir := t.TempDir()
	// A file given directly is read regardless of its extension.
	path := filepath.Join(dir, "vringd.conf")
	writeFile(t, path, "Expected string to be read")

	read, err := ReadConfigFiles(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"Expected string to be read"}, read)
}

func TestReadConfigFiles_MultipleFilesInFolder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "a")
	writeFile(t, filepath.Join(dir, "b.notyaml"), "not yaml")
	writeFile(t, filepath.Join(dir, "c.yml"), "c")

	read, err := ReadConfigFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, read)
}

func TestReadConfigFiles_LexicalOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "dir2", "a.yaml"), "2")
	writeFile(t, filepath.Join(dir, "dir1", "b.yaml"), "1")
	writeFile(t, filepath.Join(dir, "dir1", "a.yaml"), "0")
	writeFile(t, filepath.Join(dir, "dir2", "b.yaml"), "3")

	read, err := ReadConfigFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "1", "2", "3"}, read)
}

func TestReadConfigFiles_Empty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "readme.txt"), "nothing to see")

	_, err := ReadConfigFiles(dir)
	assert.Error(t, err)

	_, err = ReadConfigFiles(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
