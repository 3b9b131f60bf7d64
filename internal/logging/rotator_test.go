package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileRotatorWritesAndAppends(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		FilePath:   filepath.Join(dir, "app.log"),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
	}

	r, err := NewFileRotator(cfg)
	require.NoError(t, err)
	defer r.Close()

	n, err := r.Write([]byte("line one\n"))
	require.NoError(t, err)
	require.Equal(t, 9, n)

	_, err = r.Write([]byte("line two\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.FilePath)
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", string(data))
}

func TestFileRotatorRotatesWhenSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		FilePath:   filepath.Join(dir, "app.log"),
		MaxSize:    0, // force rotation: maxBytes = 0, any write exceeds it
		MaxAge:     30,
		MaxBackups: 5,
	}

	r, err := NewFileRotator(cfg)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Write([]byte("first\n"))
	require.NoError(t, err)
	_, err = r.Write([]byte("second\n"))
	require.NoError(t, err)

	files, err := r.GetLogFiles()
	require.NoError(t, err)
	require.Greater(t, len(files), 1)
}

func TestFileRotatorGetLogFilesIncludesCurrent(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{
		FilePath:   filepath.Join(dir, "app.log"),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
	}

	r, err := NewFileRotator(cfg)
	require.NoError(t, err)
	defer r.Close()

	files, err := r.GetLogFiles()
	require.NoError(t, err)
	require.Contains(t, files, cfg.FilePath)
}
